// Package control serves the management API of the daemon and provides a
// client for it.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cok/internal/model"
	"cok/internal/registry"
)

const maxBodyBytes = 1 << 20

// Registry is the part of the knock registry the API drives.
type Registry interface {
	SetKnock(d *model.Descriptor) model.SetResult
	RemoveKnock(d *model.Descriptor) model.RemoveResult
	ListKnocks() []*model.Descriptor
	Halt(ctx context.Context) error
}

// Result is the body returned by the mutating endpoints.
type Result struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type Server struct {
	reg    Registry
	token  string
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds the API handler. When token is not empty every request
// must carry it as a bearer token.
func NewServer(reg Registry, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{reg: reg, token: token, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /knocks", s.handleList)
	s.mux.HandleFunc("PUT /knocks", s.handleSet)
	s.mux.HandleFunc("DELETE /knocks", s.handleRemove)
	s.mux.HandleFunc("POST /halt", s.handleHalt)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cok"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListKnocks())
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.decodeDescriptor(w, r)
	if !ok {
		return
	}
	result := s.reg.SetKnock(d)
	status := http.StatusOK
	if result == model.SetError {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, Result{Result: result.String()})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	d, ok := s.decodeDescriptor(w, r)
	if !ok {
		return
	}
	result := s.reg.RemoveKnock(d)
	status := http.StatusOK
	if result == model.RemoveError {
		status = http.StatusNotFound
	}
	writeJSON(w, status, Result{Result: result.String()})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	err := s.reg.Halt(r.Context())
	switch {
	case errors.Is(err, registry.ErrHalted):
		writeJSON(w, http.StatusConflict, Result{Result: "error", Error: err.Error()})
	case err != nil:
		s.logger.Error("Failed to save knocks on halt", "error", err)
		writeJSON(w, http.StatusInternalServerError, Result{Result: "halted", Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, Result{Result: "halted"})
	}
}

func (s *Server) decodeDescriptor(w http.ResponseWriter, r *http.Request) (*model.Descriptor, bool) {
	var d model.Descriptor
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&d); err != nil {
		s.logger.Debug("Rejecting malformed descriptor", "error", err)
		writeJSON(w, http.StatusBadRequest, Result{Result: "error", Error: "invalid json"})
		return nil, false
	}
	return &d, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
