// Package server wires the gateway handlers into a ServeMux via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all gateway routes.
// It sets up handlers for health check, stats, and the WebSocket endpoint.
func SetupRoutes(g *Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/stats", g.StatsHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	return mux
}
