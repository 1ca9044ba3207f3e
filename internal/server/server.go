package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-sh/flowstate/internal/artifact"
	"github.com/flowstate-sh/flowstate/internal/secrets"
	"github.com/flowstate-sh/flowstate/internal/store"
)

// Server wires the store, the artifact store, secret crypto, auth, and
// the watchdog behind one HTTP listener.
type Server struct {
	cfg       Config
	store     store.Store
	artifacts artifact.ObjectStore
	box       *secrets.Box
	auth      *authenticator
	watchdog  *Watchdog
	logger    *zap.Logger

	httpServer *http.Server
}

// New builds a server from config, opening the store and artifact
// backends it names.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	var st store.Store
	var err error
	switch cfg.StoreBackend {
	case "", "sqlite":
		st, err = store.OpenSQLite(filepath.Join(cfg.DataDir, "flowstate.db"))
	case "postgres":
		st, err = store.OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var artifacts artifact.ObjectStore
	switch cfg.ArtifactBackend {
	case "", "local":
		artifacts, err = artifact.NewLocal(filepath.Join(cfg.DataDir, "artifacts"))
	case "s3":
		artifacts, err = artifact.NewS3(context.Background(), cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	key, err := secrets.LoadOrCreateKey(filepath.Join(cfg.DataDir, "secret.key"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load secret key: %w", err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return newWith(cfg, st, artifacts, box, logger), nil
}

// newWith assembles a server from already-constructed collaborators.
// Tests use it to inject in-memory pieces.
func newWith(cfg Config, st store.Store, artifacts artifact.ObjectStore, box *secrets.Box, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		artifacts: artifacts,
		box:       box,
		auth:      newAuthenticator(cfg.APIKey, st, logger.Named("auth")),
		logger:    logger,
	}
	s.watchdog = NewWatchdog(st, logger.Named("watchdog"))
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree so callers can mount the server on
// their own listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.watchdog.Start()
	defer s.watchdog.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return s.store.Close()
}
