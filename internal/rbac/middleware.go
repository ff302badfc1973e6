package rbac

import (
	"net/http"
	"strings"

	"log/slog"
)

// Permission keys for the engine's own administration surface, seeded as
// system permissions.
const (
	PermRolesView = "roles:view"
	PermRolesEdit = "roles:edit"
	PermAuditView = "audit:view"
)

// Middleware wires authorization helpers for HTTP handlers. Permissions are
// named by their "resource:action" key.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequireAny ensures the current actor has at least one of the required
// permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizeKeys(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			granted, ok := m.grantedKeys(w, r)
			if !ok {
				return
			}
			for _, key := range normalized {
				if _, found := granted[key]; found {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current actor has every required permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizeKeys(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			granted, ok := m.grantedKeys(w, r)
			if !ok {
				return
			}
			for _, key := range normalized {
				if _, found := granted[key]; !found {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) grantedKeys(w http.ResponseWriter, r *http.Request) (map[string]struct{}, bool) {
	actor := strings.TrimSpace(actorID(r))
	if actor == "" {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return nil, false
	}
	perms, err := m.Engine.GetUserPermissions(r.Context(), actor)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac middleware", slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, false
	}
	granted := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		granted[strings.ToLower(p.Key())] = struct{}{}
	}
	return granted, true
}

func normalizeKeys(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
