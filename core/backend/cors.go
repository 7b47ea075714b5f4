package backend

import (
	"net/http"
	"strings"

	"github.com/relabs-tech/tinyapi/core/logger"
)

func (b *Backend) handleCORS() {
	origin := "*"
	if len(b.config.AllowedOrigins) > 0 {
		origin = strings.Join(b.config.AllowedOrigins, ", ")
	}

	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Set CORS headers for all requests
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			// Preflight requests succeed without authorization
			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				response := newResponse()
				response.ok(true)
				response.send(w)
				return
			}

			h.ServeHTTP(w, r)
		})
	}
	b.router.Use(corsMiddleware)
}
