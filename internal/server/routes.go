// Package server wires HTTP handlers into a ServeMux for the relay's
// WebSocket gateway via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all gateway routes.
// It sets up handlers for health check, WebSocket endpoint, and test page.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	return mux
}
