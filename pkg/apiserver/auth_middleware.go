package apiserver

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// dashboardAuthMiddleware guards the owner stream with the shared dashboard
// bearer token. With no token configured the routes are closed.
func dashboardAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := r.Header.Get("Authorization")
			presented := strings.TrimPrefix(authorization, "Bearer ")
			if token == "" || presented == authorization ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusForbidden, errors.New("forbidden to use"))
				return
			}

			if owner := mux.Vars(r)["owner"]; owner == "" {
				writeError(w, http.StatusBadRequest, errors.New("must specify owner"))
				return
			}

			logrus.Debugf("dashboard request for owner %s", mux.Vars(r)["owner"])
			next.ServeHTTP(w, r)
		})
	}
}
