package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"clinicdash.org/internal/authz"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	clinicHeader = "X-Clinic-ID"
)

// withAuth verifies the bearer token, resolves the caller's memberships and
// attaches the AuthContext. X-Clinic-ID selects the active clinic.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Verify(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ac, err := a.resolver.Resolve(r.Context(), authz.Identity{
			SubjectID:  claims.Subject,
			ExternalID: claims.ExternalID,
			Origin:     authz.OriginHTTP,
		}, r.Header.Get(clinicHeader))
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(authz.WithAuthContext(r.Context(), ac)))
	})
}

func authContext(r *http.Request) *authz.AuthContext {
	ac, _ := authz.FromContext(r.Context())
	return ac
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
