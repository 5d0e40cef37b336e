package api

import (
	"context"
	"net/http"

	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/domain"
)

// identityHeader carries the authenticated account email. The daemon sits
// behind a front proxy that owns the session; the proxy strips any
// client-supplied copy of this header before forwarding.
const identityHeader = "X-Octolab-Email"

// UserDirectory resolves an email to a stored user.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
}

// identityMiddleware resolves the request identity and attaches it to the
// context. Requests without a resolvable identity get 401; paths listed
// as public skip the check.
func identityMiddleware(users UserDirectory, allowlist *auth.Allowlist, publicPaths []string) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			email := r.Header.Get(identityHeader)
			if email == "" {
				writeError(w, domain.E(domain.KindUnauthenticated, "missing identity"))
				return
			}
			user, err := users.GetUserByEmail(r.Context(), email)
			if err != nil {
				writeError(w, domain.E(domain.KindUnauthenticated, "unknown identity"))
				return
			}
			id := allowlist.Identify(user.ID, user.Email)
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// identity pulls the request identity; the middleware guarantees presence
// on all non-public paths.
func identity(r *http.Request) (auth.Identity, bool) {
	return auth.FromContext(r.Context())
}

// requireAdmin wraps a handler so only allowlisted operators reach it.
func requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(r)
		if !ok {
			writeError(w, domain.E(domain.KindUnauthenticated, "missing identity"))
			return
		}
		if !id.Admin {
			writeError(w, domain.E(domain.KindForbidden, "administrator access required"))
			return
		}
		h(w, r)
	}
}
