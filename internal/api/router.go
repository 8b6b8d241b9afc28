package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/budlink/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{mac}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/history", s.handleDeviceHistory)
					r.Get("/commands", s.handleCommandLog)
					r.With(s.requireScope(auth.ScopeControl)).Post("/commands", s.handleCommand)
				})
			})

			r.With(s.requireScope(auth.ScopeControl)).Post("/window", s.handleOpenWindow)

			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Devices       int    `json:"devices"`
	Connected     int    `json:"connected"`
	WSClients     int    `json:"ws_clients"`
}

// handleHealth reports "ok" when every known headset is linked and
// "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.commander.Statuses()
	connected := 0
	for _, st := range statuses {
		if st.Connected {
			connected++
		}
	}

	status := "ok"
	if connected < len(statuses) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Devices:       len(statuses),
		Connected:     connected,
		WSClients:     s.hub.ClientCount(),
	})
}
