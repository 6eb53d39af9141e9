package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	aiService "github.com/zhouzirui/gemish/backend/internal/service/ai"
	"github.com/zhouzirui/gemish/backend/internal/service/relay"
	"github.com/zhouzirui/gemish/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

type frame struct {
	Type         string            `json:"type"`
	MessageID    string            `json:"messageId,omitempty"`
	Text         string            `json:"text,omitempty"`
	Source       *aiService.Source `json:"source,omitempty"`
	Error        string            `json:"error,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
	Usage        *relay.Usage      `json:"usage,omitempty"`
}

func frameOf(ev relay.Event) frame {
	f := frame{
		Type:      string(ev.Type),
		MessageID: ev.MessageID,
		Text:      ev.Text,
		Source:    ev.Source,
		Error:     ev.Error,
	}
	if ev.Type == relay.EventFinishStep || ev.Type == relay.EventFinish {
		usage := ev.Usage
		f.FinishReason = ev.FinishReason
		f.Usage = &usage
	}
	return f
}

// handleWebSocket runs one turn per inbound text frame. Turns on a
// connection run one at a time.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType != websocket.TextMessage {
			if err := h.writeFrame(conn, frame{Type: "error", Error: "unsupported frame type"}); err != nil {
				return
			}
			continue
		}

		if !h.runSocketTurn(ctx, conn, principal, data) {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

// runSocketTurn reports whether the connection is still writable.
func (h *Handler) runSocketTurn(ctx context.Context, conn *websocket.Conn, principal *auth.Principal, data []byte) bool {
	var req relay.TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return h.writeFrame(conn, frame{Type: "error", Error: "Invalid request body"}) == nil
	}

	x, err := h.turns.HandleTurn(ctx, req, principal)
	if err != nil {
		status, message := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("turn rejected", slog.String("chat_id", req.ChatID), slog.String("error", err.Error()))
		}
		return h.writeFrame(conn, frame{Type: "error", Error: message}) == nil
	}

	for {
		select {
		case <-ctx.Done():
			x.Detach()
			return false
		case ev, ok := <-x.Events():
			if !ok {
				return true
			}
			if err := h.writeFrame(conn, frameOf(ev)); err != nil {
				h.logger.Debug("websocket write failed", slog.String("message_id", x.MessageID()), slog.String("error", err.Error()))
				x.Detach()
				return false
			}
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, f frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
