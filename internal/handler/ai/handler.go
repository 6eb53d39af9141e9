// Package ai exposes chat turns over HTTP. POST /api/ai answers with the
// browser SDK's data stream protocol; GET /api/ai/ws runs turns over a
// WebSocket.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	aiService "github.com/zhouzirui/gemish/backend/internal/service/ai"
	"github.com/zhouzirui/gemish/backend/internal/service/relay"
	"github.com/zhouzirui/gemish/backend/pkg/utils"
)

// TurnRunner starts turns.
type TurnRunner interface {
	HandleTurn(ctx context.Context, req relay.TurnRequest, principal *auth.Principal) (*relay.Exchange, error)
}

// Handler serves chat turns.
type Handler struct {
	turns    TurnRunner
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a turn handler.
func New(turns TurnRunner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		turns:  turns,
		logger: logger.With(slog.String("component", "ai_handler")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the turn endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/ai", h.handleTurn)
	r.Get("/ai/ws", h.handleWebSocket)
}

type finishPayload struct {
	FinishReason string      `json:"finishReason"`
	Usage        relay.Usage `json:"usage"`
	IsContinued  *bool       `json:"isContinued,omitempty"`
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var req relay.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	principal, _ := auth.FromContext(r.Context())
	x, err := h.turns.HandleTurn(r.Context(), req, principal)
	if err != nil {
		status, message := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("turn rejected", slog.String("chat_id", req.ChatID), slog.String("error", err.Error()))
		}
		utils.RespondError(w, status, message)
		return
	}

	utils.SetupDataStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			x.Detach()
			return
		case ev, ok := <-x.Events():
			if !ok {
				return
			}
			if err := writeDataStreamEvent(w, flusher, ev); err != nil {
				h.logger.Debug("client write failed", slog.String("message_id", x.MessageID()), slog.String("error", err.Error()))
				x.Detach()
				return
			}
		}
	}
}

func writeDataStreamEvent(w http.ResponseWriter, flusher http.Flusher, ev relay.Event) error {
	switch ev.Type {
	case relay.EventStart:
		return utils.WriteDataStreamPart(w, flusher, utils.PartStartStep, map[string]string{"messageId": ev.MessageID})
	case relay.EventText:
		return utils.WriteDataStreamPart(w, flusher, utils.PartText, ev.Text)
	case relay.EventReasoning:
		return utils.WriteDataStreamPart(w, flusher, utils.PartReasoning, ev.Text)
	case relay.EventSource:
		return utils.WriteDataStreamPart(w, flusher, utils.PartSource, ev.Source)
	case relay.EventError:
		return utils.WriteDataStreamPart(w, flusher, utils.PartError, ev.Error)
	case relay.EventFinishStep:
		continued := false
		return utils.WriteDataStreamPart(w, flusher, utils.PartFinishStep, finishPayload{
			FinishReason: ev.FinishReason,
			Usage:        ev.Usage,
			IsContinued:  &continued,
		})
	case relay.EventFinish:
		return utils.WriteDataStreamPart(w, flusher, utils.PartFinishMessage, finishPayload{
			FinishReason: ev.FinishReason,
			Usage:        ev.Usage,
		})
	default:
		return nil
	}
}

// statusFor maps pre-stream turn errors to a status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest, "Missing message or chat id"
	case errors.Is(err, aiService.ErrUnsupportedModel):
		return http.StatusBadRequest, "Unsupported model"
	case errors.Is(err, relay.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound, "Chat not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
