package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/leadflowhq/wagate/internal/session"
)

// Server exposes the session orchestrator over REST and WebSocket.
type Server struct {
	addr     string
	registry *session.Registry
	mediaDir string
	server   *http.Server

	mu      sync.RWMutex
	clients map[string]*WSClient
}

// New creates a server for the given registry. mediaDir, when non-empty, is
// served under /media/.
func New(addr string, registry *session.Registry, mediaDir string) *Server {
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		addr:     addr,
		registry: registry,
		mediaDir: mediaDir,
		clients:  make(map[string]*WSClient),
	}
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	if s.mediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}

	// Wrap with CORS middleware
	handler := corsMiddleware(mux)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: handler,
	}

	log.Printf("[Server] Listening on %s", s.addr)
	return s.server.ListenAndServe()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
