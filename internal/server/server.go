// Package server exposes the protocol over HTTP for hosted deployments.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/BartekS5/possync/internal/metrics"
	"github.com/BartekS5/possync/pkg/logger"
	"github.com/BartekS5/possync/pkg/models"
)

const maxRequestBytes = 10 << 20

// Handler answers raw protocol requests.
type Handler interface {
	Handle(ctx context.Context, raw []byte) any
}

type Server struct {
	handler Handler
	metrics *metrics.Metrics
	log     *logger.Logger
	http    *http.Server
}

func New(addr string, h Handler, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{handler: h, metrics: m, log: log}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleProtocol)
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, &models.ErrorResponse{Error: "request body too large"})
		return
	}

	resp := s.handler.Handle(r.Context(), body)
	status := http.StatusOK
	if _, isErr := resp.(*models.ErrorResponse); isErr {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
