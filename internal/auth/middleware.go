package auth

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// Middleware rejects requests without a valid bearer token and stores the
// actor on the request context.
func Middleware(secret string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("access_token"))
			if token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			actor, err := ParseToken(token, secret)
			if err != nil {
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="dispatch"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
