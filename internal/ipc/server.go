package ipc

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health and state.
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/state", h.GetState)

	// Plan control.
	mux.HandleFunc("POST /api/v1/plan-control", h.PlanControl)

	// Plan database.
	mux.HandleFunc("GET /api/v1/plans", h.ListPlans)
	mux.HandleFunc("GET /api/v1/plans/{planID}", h.GetPlan)
	mux.HandleFunc("PUT /api/v1/plans/{planID}", h.PutPlan)
	mux.HandleFunc("DELETE /api/v1/plans/{planID}", h.DeletePlan)
	mux.HandleFunc("GET /api/v1/plans/{planID}/runs", h.ListRuns)

	// Vehicle feedback injection.
	mux.HandleFunc("POST /api/v1/feedback/{kind}", h.Feedback)

	// Event journal.
	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a URL clients can use. An
// empty host becomes localhost.
func FormatListenURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// corsMiddleware adds CORS headers for local operator consoles.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
