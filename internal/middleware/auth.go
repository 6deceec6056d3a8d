package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/qiuhaotian/taskdeck/pkg/utils"
)

// BearerAuth requires "Authorization: Bearer <token>" on every request. An
// empty expected token disables the check for local development.
func BearerAuth(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
