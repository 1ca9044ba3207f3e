package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// healthServer exposes the tracker snapshot on GET /health.
type healthServer struct {
	tracker *Tracker
	logger  *zap.Logger
	srv     *http.Server
}

func newHealthServer(addr string, tracker *Tracker, logger *zap.Logger) *healthServer {
	h := &healthServer{tracker: tracker, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	h.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func (h *healthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"active_count":       h.tracker.ActiveCount(),
		"active_build_count": h.tracker.ActiveBuildCount(),
		"runs":               snapshot,
	})
}

func (h *healthServer) start() {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server exited", zap.Error(err))
		}
	}()
}

func (h *healthServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.srv.Shutdown(ctx)
}
