package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/pkg/logger"
)

// ReadyChecker returns nil if the service is ready to serve.
type ReadyChecker func() error

// Server отдаёт служебные эндпоинты (/metrics, /healthz, /readyz)
// и дополнительные маршруты приложения.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	check           ReadyChecker
	log             *logger.Logger
}

// New constructs a Server. api maps route names to handlers mounted under
// cfg.APIPrefix. Every request passes recover, request-id, metrics and CORS
// (from cfg.CORSOrigins); extra middlewares run inside that stack.
func New(cfg Config, check ReadyChecker, log *logger.Logger, api map[string]http.Handler, mws ...Middleware) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if check == nil {
		check = func() error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(cfg.ReadyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if err := check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("NOT READY: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	known := cfg.servicePaths()
	for route, h := range api {
		path := cfg.APIPath(route)
		mux.Handle(path, h)
		known = append(known, path)
	}

	stack := append([]Middleware{
		RecoverMiddleware(log),
		RequestIDMiddleware(),
		MetricsMiddleware(known...),
		CORSMiddleware(cfg.CORSOrigins),
	}, mws...)

	httpSrv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      chain(mux, stack...),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		httpServer:      httpSrv,
		shutdownTimeout: cfg.ShutdownTimeout,
		check:           check,
		log:             log.Named("http-server"),
	}, nil
}

// Handler returns the fully wrapped handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run запускает ListenAndServe и выполняет graceful shutdown по ctx.Done().
// Отмена ctx не считается ошибкой.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("http: starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("httpserver: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("http: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http: graceful shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("http: server stopped gracefully")
	return nil
}
