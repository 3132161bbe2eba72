package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/csims/csims/internal/platform/httpx"
	"github.com/csims/csims/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service PermissionSource
	Logger  *slog.Logger
}

// grantSet is the lower-cased permission set resolved for one request.
type grantSet map[string]struct{}

type grantsKey struct{}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", grantSet.any, perms)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", grantSet.all, perms)
}

// Granted reports whether a permission resolved earlier in the request chain
// includes perm. It is false outside a RequireAny/RequireAll group.
func Granted(ctx context.Context, perm string) bool {
	set, _ := ctx.Value(grantsKey{}).(grantSet)
	_, ok := set[strings.ToLower(strings.TrimSpace(perm))]
	return ok
}

func (m Middleware) require(op string, match func(grantSet, []string) bool, perms []string) func(http.Handler) http.Handler {
	required := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			set, cached := r.Context().Value(grantsKey{}).(grantSet)
			if !cached {
				granted, err := m.Service.EffectivePermissions(r.Context(), userID)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error(op, slog.Int64("user_id", userID), slog.Any("error", err))
					}
					httpx.RespondError(w, err)
					return
				}
				set = newGrantSet(granted)
				r = r.WithContext(context.WithValue(r.Context(), grantsKey{}, set))
			}
			if !match(set, required) {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func newGrantSet(granted []string) grantSet {
	set := make(grantSet, len(granted))
	for _, p := range granted {
		set[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return set
}

func (s grantSet) any(required []string) bool {
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

func (s grantSet) all(required []string) bool {
	for _, r := range required {
		if _, ok := s[r]; !ok {
			return false
		}
	}
	return true
}
