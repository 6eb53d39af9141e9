package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	aiHandler "github.com/zhouzirui/gemish/backend/internal/handler/ai"
	"github.com/zhouzirui/gemish/backend/internal/handler/chat"
	"github.com/zhouzirui/gemish/backend/internal/observability"
	chatService "github.com/zhouzirui/gemish/backend/internal/service/chat"
	"github.com/zhouzirui/gemish/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. gatherer may be nil to
// disable /metrics.
func NewRouter(verifier *auth.Verifier, chatSvc *chatService.Service, turns aiHandler.TurnRunner, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(verifier.Middleware)

	if gatherer != nil {
		r.Handle("/metrics", observability.Handler(gatherer))
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		chat.New(chatSvc, logger).RegisterRoutes(api)

		if turns == nil {
			api.HandleFunc("/ai*", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai unavailable")
			})
			return
		}
		aiHandler.New(turns, logger).RegisterRoutes(api)
	})

	return r
}
