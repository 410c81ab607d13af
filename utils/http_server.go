package utils

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// HTTPHandlerFunc handles one decoded message.
type HTTPHandlerFunc func(*Message) (interface{}, error)

// HTTPServer serves a module's messages over HTTP.
type HTTPServer struct {
	IP       string
	Port     int
	Name     string
	server   *http.Server
	handlers map[int]HTTPHandlerFunc
	Listener net.Listener
}

// NewHTTPServer creates a server for the named module.
func NewHTTPServer(ip string, port int, name string) *HTTPServer {
	return &HTTPServer{
		IP:       ip,
		Port:     port,
		Name:     name,
		handlers: make(map[int]HTTPHandlerFunc),
	}
}

// RegisterHTTPHandler registers the handler for a message type.
func (s *HTTPServer) RegisterHTTPHandler(kind int, handler HTTPHandlerFunc) {
	s.handlers[kind] = handler
}

// Handler builds the server's routes.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("error decoding message: %v", err), http.StatusBadRequest)
			return
		}

		handler, exists := s.handlers[msg.Type]
		if !exists {
			http.Error(w, fmt.Sprintf("no handler for message type %d", msg.Type), http.StatusBadRequest)
			return
		}

		response, err := handler(&msg)
		if err != nil {
			http.Error(w, fmt.Sprintf("handler error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			slog.Error("Error encoding response", "error", err)
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "module": s.Name})
	})

	return mux
}

// Start serves until the listener fails.
func (s *HTTPServer) Start() error {
	mux := s.Handler()

	if s.Listener != nil {
		slog.Info("HTTP server listening", "module", s.Name, "address", s.Listener.Addr().String())
		return http.Serve(s.Listener, mux)
	}

	address := fmt.Sprintf("%s:%d", s.IP, s.Port)
	s.server = &http.Server{
		Addr:    address,
		Handler: mux,
	}

	slog.Info("HTTP server listening", "module", s.Name, "address", address)
	return s.server.ListenAndServe()
}
