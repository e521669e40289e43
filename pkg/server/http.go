package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps RPC and UI-response request bodies.
const maxBodyBytes = 1 << 20

// Router builds the HTTP control surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Post("/rpc", s.handleRPC)
	r.Post("/extension_ui_response", s.handleUIResponse)
	r.Post("/shutdown", s.handleShutdown)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// ListenAndServe runs the HTTP surface until ctx is cancelled or
// shutdown is requested. Returns nil on graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	slog.Info("control plane listening", "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdownCh:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown did not complete cleanly", "error", err)
		}
		return nil
	})

	err = g.Wait()
	s.Shutdown()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.ready
	a := s.agent
	s.mu.Unlock()

	status := http.StatusOK
	if r.URL.Query().Get("ready") == "true" && !ready {
		status = http.StatusServiceUnavailable
	}

	payload := map[string]any{
		"status":  "ok",
		"ready":   ready,
		"version": s.opts.Version,
	}
	if a != nil {
		payload["sessionId"] = a.Session().ID()
		payload["isStreaming"] = a.IsStreaming()
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.broadcaster.ServeSSE(w, r)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	resp := s.Dispatch(r.Context(), cmd)
	status := http.StatusOK
	if !resp.Success && resp.Data == nil && isUnknownCommand(resp) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func isUnknownCommand(resp Response) bool {
	return len(resp.Error) > 0 && resp.Error == fmt.Sprintf("unknown command type: %s", resp.Command)
}

func (s *Server) handleUIResponse(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body struct {
		ID    string `json:"id"`
		Value any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// unknown ids are treated as already timed out
	resolved := s.bridge.Resolve(body.ID, body.Value)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	go s.Shutdown()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
