package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	"github.com/zhouzirui/gemish/backend/internal/config"
	"github.com/zhouzirui/gemish/backend/internal/handler"
	aiHandler "github.com/zhouzirui/gemish/backend/internal/handler/ai"
	"github.com/zhouzirui/gemish/backend/internal/observability"
	"github.com/zhouzirui/gemish/backend/internal/service/ai"
	"github.com/zhouzirui/gemish/backend/internal/service/chat"
	"github.com/zhouzirui/gemish/backend/internal/service/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only",
			slog.String("error", err.Error()))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	repo, err := cfg.Store.Open(logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer repo.Close()
	logger.Info("chat store ready", slog.String("driver", string(cfg.Store.Driver)), slog.String("path", cfg.Store.Path))

	chatService, err := chat.NewService(repo, cfg.Cache, logger, chat.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("init chat service: %w", err)
	}
	defer chatService.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.CookieName)
	if err != nil {
		return err
	}

	var (
		turnRelay *relay.Relay
		turns     aiHandler.TurnRunner
	)
	if cfg.AI.Enabled() {
		var closeModels func()
		turnRelay, closeModels, err = newRelay(ctx, cfg, chatService, metrics, logger)
		if err != nil {
			logger.Warn("failed to initialize AI, continuing without /api/ai",
				slog.String("provider", string(cfg.AI.Provider)),
				slog.String("error", err.Error()))
		} else {
			defer closeModels()
			turns = turnRelay
			logger.Info("AI relay initialized", slog.String("provider", string(cfg.AI.Provider)))
		}
	} else {
		logger.Warn("AI credentials or model names not configured, skipping AI initialization",
			slog.String("provider", string(cfg.AI.Provider)))
	}

	router := handler.NewRouter(verifier, chatService, turns, reg, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("gemish backend listening", slog.String("addr", cfg.Server.Addr))
	if err := runServer(ctx, srv, cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	if turnRelay != nil {
		// background turns may still be persisting
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.PersistTimeout+cfg.Relay.MaxDuration)
		defer cancel()
		if err := turnRelay.Wait(waitCtx); err != nil {
			logger.Warn("in-flight turns did not finish before exit", slog.String("error", err.Error()))
		}
	}
	return nil
}

// newRelay builds the model chains and the relay. The returned func releases
// provider clients and must run after in-flight turns finished.
func newRelay(ctx context.Context, cfg *config.Config, store relay.MessageStore, metrics *observability.Metrics, logger *slog.Logger) (*relay.Relay, func(), error) {
	models, err := cfg.AI.NewChatModels(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeModels := func() {
		for variant, m := range models {
			if closer, ok := m.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					logger.Warn("failed to close model client", slog.String("variant", string(variant)), slog.String("error", err.Error()))
				}
			}
		}
	}

	aiService, err := ai.NewService(ctx, models, cfg.AI.DefaultVariant, logger)
	if err != nil {
		closeModels()
		return nil, nil, err
	}
	return relay.New(store, aiService, cfg.Relay, logger, metrics), closeModels, nil
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
