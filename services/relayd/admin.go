package relayd

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"nhbrelay/gateway/middleware"
	"nhbrelay/relay/dispatch"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	engine *dispatch.Engine
	router chi.Router
}

// NewAdminServer constructs a server wrapping the provided engine.
func NewAdminServer(engine *dispatch.Engine) *AdminServer {
	server := &AdminServer{engine: engine, router: chi.NewRouter()}
	server.router.Post("/pause", server.handlePause)
	server.router.Post("/resume", server.handleResume)
	server.router.Get("/status", server.handleStatus)
	server.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.engine.Status())
}
