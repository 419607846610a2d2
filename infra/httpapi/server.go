// Package httpapi serves the small host-introspection API (§6: /healthz and
// /activations), grounded on the teacher's chi-based
// internal/handler/lp/delivery.go.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webitel/quark/internal/domain/activation"
)

// ActivationLister is the subset of activation.Directory the introspection
// API needs.
type ActivationLister interface {
	Snapshot() []*activation.Activation
	Count() int
}

// Server is the host's HTTP introspection surface.
type Server struct {
	router    chi.Router
	directory ActivationLister
	siloID    string
	http      *http.Server
}

// New builds a Server listening on addr.
func New(addr string, siloID string, dir ActivationLister) *Server {
	s := &Server{directory: dir, siloID: siloID}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/activations", s.handleActivations)
	s.router = r
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Router exposes the chi router so callers can mount additional routes
// (e.g. a placement snapshot handler supplied by the host, which knows
// about the placement.Pipeline this package does not use).
func (s *Server) Router() chi.Router { return s.router }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() { _ = s.http.ListenAndServe() }()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"siloId": s.siloID,
		"status": "ok",
	})
}

type activationView struct {
	Identity     string    `json:"identity"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Server) handleActivations(w http.ResponseWriter, r *http.Request) {
	snapshot := s.directory.Snapshot()
	out := make([]activationView, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, activationView{
			Identity:     a.Identity.Key(),
			State:        a.State().String(),
			LastActivity: a.LastActivity(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
