package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth rejects other methods and unauthenticated requests before
// calling next.
func (s *Server) requireAuth(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if !s.authorizeRequest(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

// authorizeRequest accepts the token as ?token= (browsers cannot set headers
// on WebSocket and EventSource requests) or as a bearer token.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" && secureEqual(token, s.cfg.Token) {
		return true
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" && secureEqual(token, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(authHeader string) string {
	const bearerPrefix = "Bearer "
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
