package serv

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
)

// Mux is the minimal router surface the route setup needs.
type Mux interface {
	Handle(string, http.Handler)
	ServeHTTP(http.ResponseWriter, *http.Request)
}

// routesHandler mounts every route on the mux.
func (s *Service) routesHandler(mux Mux) http.Handler {
	mux.Handle("/health", http.HandlerFunc(s.apiV1Health))
	mux.Handle("/api/v1/session/start", http.HandlerFunc(s.apiV1StartSession))
	mux.Handle("/api/v1/chat", http.HandlerFunc(s.apiV1Chat))
	mux.Handle("/api/v1/query", http.HandlerFunc(s.apiV1Chat))

	c := cors.AllowAll()
	return setServerHeader(c.Handler(mux))
}

// apiV1Health reports liveness and the running environment.
func (s *Service) apiV1Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	env := "development"
	if s.conf.Production() {
		env = "production"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "env": env}) //nolint:errcheck
}
