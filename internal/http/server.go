// README: API gateway; owns the HTTP listener and delegates to module services.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"campusride/internal/events"
	"campusride/internal/infra"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/notification"
	"campusride/internal/modules/pool"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
)

const shutdownTimeout = 10 * time.Second

type ServerDeps struct {
	Pool         *pool.Service
	Ride         *ride.Service
	Notification *notification.Service
	Matching     *matching.Service
	Publisher    *tracking.Publisher
	Tracker      *tracking.Tracker
	// History is optional; without it ride history is always empty.
	History  *events.PostgresSink
	Verifier infra.TokenVerifier
	Log      *zap.Logger
}

type Server struct {
	deps ServerDeps
	log  *zap.Logger
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{deps: deps, log: deps.Log}
}

func (s *Server) Routes() http.Handler {
	return NewRouter(s.deps)
}

// Run serves addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http stopped")
	return nil
}
