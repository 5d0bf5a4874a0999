package server

import "net/http"

// corsMiddleware permits browser access from any origin. The control
// dashboard is the primary consumer; the runtime carries no cookie-based
// authentication, so a permissive policy does not widen the attack surface.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, X-Correlation-ID")
		h.Set("Access-Control-Expose-Headers", "ETag, X-Correlation-ID")
		next.ServeHTTP(w, r)
	})
}
