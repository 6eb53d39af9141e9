package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	chatService "github.com/zhouzirui/gemish/backend/internal/service/chat"
	"github.com/zhouzirui/gemish/backend/pkg/utils"
)

// Handler serves the chat bookkeeping endpoints.
type Handler struct {
	chatSvc *chatService.Service
	logger  *slog.Logger
}

// New creates a chat handler.
func New(chatSvc *chatService.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.With(slog.String("component", "chat_handler")),
	}
}

// RegisterRoutes registers chat routes. All of them require a principal.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.Require)
		r.Post("/chats", h.handleCreateChat)
		r.Get("/chats", h.handleListChats)
		r.Get("/chats/{chatID}/messages", h.handleListMessages)
	})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.chatSvc.CreateChat(r.Context(), principal.UserID, payload.ID)
	if err != nil {
		if errors.Is(err, chatService.ErrChatExists) {
			utils.RespondError(w, http.StatusConflict, "chat already exists")
			return
		}
		h.logger.Error("failed to create chat", slog.String("error", err.Error()))
		utils.RespondError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"id": session.ID})
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	sessions, err := h.chatSvc.ListChats(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("failed to list chats", slog.String("error", err.Error()))
		utils.RespondError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if sessions == nil {
		sessions = []chat.Session{}
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	owned, err := h.chatSvc.CheckOwnership(r.Context(), chatID, principal.UserID)
	if err != nil {
		h.logger.Error("failed to check ownership", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if !owned {
		utils.RespondError(w, http.StatusNotFound, "chat not found")
		return
	}

	history, err := h.chatSvc.LoadHistory(r.Context(), chatID)
	if err != nil {
		h.logger.Error("failed to load history", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if history == nil || chat.IsPlaceholderHistory(history) {
		history = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, history)
}
