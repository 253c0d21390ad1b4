package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth rejects requests whose Authorization header does not carry the
// configured API token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, problem := bearerToken(r.Header.Get("Authorization"))
		if problem == "" && !constantTimeEqual(token, s.config.Token) {
			problem = "invalid token"
		}
		if problem != "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vibecoder"`)
			s.writeError(w, http.StatusUnauthorized, problem)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization header value, or
// describes why it could not.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing Authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid Authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "missing token"
	}
	return token, ""
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
