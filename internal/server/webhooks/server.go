package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

// notificationPath is the route the provider POSTs to; the registrar
// announces PublicURL + this path when it opens a channel.
const notificationPath = "/webhooks/google-calendar"

// SyncRequester queues a sync pass for a calendar. Satisfied by
// *sync.Orchestrator.
type SyncRequester interface {
	RequestSync(ctx context.Context, calendarID int64, reason string)
}

// Server is the inbound HTTP surface: the push-notification receiver and a
// health probe. Everything else the engine does is outbound.
type Server struct {
	addr   string
	db     *sql.DB
	repos  repomanager.RepositoryManager
	syncer SyncRequester
	secret []byte
	logger logging.Logger
	mux    *http.ServeMux
}

func NewServer(db *sql.DB, repos repomanager.RepositoryManager, syncer SyncRequester, cfg *config.Config, logger logging.Logger) *Server {
	s := &Server{
		addr:   cfg.WebhookAddr,
		db:     db,
		repos:  repos,
		syncer: syncer,
		secret: []byte(cfg.SecretKey),
		logger: logger.With("module", "webhook_server"),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST "+notificationPath, s.handleNotification)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping webhook server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "webhook server shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting webhook server", "address", s.addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
