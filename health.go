package jobwire

import (
	"net/http"
)

// HealthPath is the only route served by HealthHandler.
const HealthPath = "/health"

// HealthHandler answers GET /health with 200 {"ok":true}. Any other method
// or path is a 404.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != HealthPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}
