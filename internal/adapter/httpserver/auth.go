package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

type credentialKey struct{}

// RequireCredential parses the Authorization bearer token into a Credential
// and stores it in the request context. Requests without a usable credential
// are rejected with 401.
func RequireCredential() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := bearerCredential(r)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithCredential(r.Context(), cred)))
		})
	}
}

// bearerCredential extracts and parses the Authorization header. The token is
// an upstream refresh token, optionally carrying a region prefix such as US:
// or HK:.
func bearerCredential(r *http.Request) (domain.Credential, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return domain.Credential{}, fmt.Errorf("%w: authorization header required", domain.ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return domain.Credential{}, fmt.Errorf("%w: authorization must use the Bearer scheme", domain.ErrUnauthorized)
	}
	cred, err := domain.ParseCredential(strings.TrimSpace(token))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=httpserver.bearerCredential: %w", err)
	}
	return cred, nil
}

// ContextWithCredential attaches a parsed credential to the context. Exposed
// for tests that exercise handlers without the middleware chain.
func ContextWithCredential(ctx context.Context, cred domain.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFrom returns the credential stored by RequireCredential.
func CredentialFrom(r *http.Request) (domain.Credential, bool) {
	v := r.Context().Value(credentialKey{})
	cred, ok := v.(domain.Credential)
	return cred, ok && cred.Token != ""
}
