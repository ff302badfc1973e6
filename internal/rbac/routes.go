package rbac

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	decisionRateLimit = 120
	auditRateLimit    = 10
	rateWindow        = time.Minute
)

// MountRoutes registers the engine's API. Administration endpoints are
// guarded by the engine's own permissions.
func (h *Handler) MountRoutes(r chi.Router, mw Middleware) {
	r.Group(func(gr chi.Router) {
		gr.Use(rateLimiter(decisionRateLimit))
		gr.Get("/check", h.checkPermission)
		gr.Get("/users/{userID}/permissions", h.userPermissions)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(mw.RequireAny(PermRolesView, PermRolesEdit))
		gr.Get("/roles", h.listRoles)
		gr.Get("/roles/{roleID}", h.getRole)
		gr.Get("/permissions", h.listPermissions)
		gr.Get("/users/{userID}/roles", h.listUserRoles)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(mw.RequireAll(PermRolesEdit))
		gr.Post("/roles", h.createRole)
		gr.Put("/roles/{roleID}", h.updateRole)
		gr.Delete("/roles/{roleID}", h.deleteRole)
		gr.Post("/permissions", h.createPermission)
		gr.Put("/permissions/{permissionID}", h.updatePermission)
		gr.Delete("/permissions/{permissionID}", h.deletePermission)
		gr.Post("/roles/{roleID}/permissions", h.grantPermission)
		gr.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokePermission)
		gr.Post("/hierarchy/edges", h.addEdge)
		gr.Delete("/hierarchy/edges/{parentID}/{childID}", h.removeEdge)
		gr.Post("/users/{userID}/roles", h.assignRole)
		gr.Delete("/users/{userID}/roles/{roleID}", h.revokeRole)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(mw.RequireAll(PermAuditView))
		gr.Use(rateLimiter(auditRateLimit))
		gr.Get("/audit", h.queryAudit)
	})
}

func rateLimiter(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(limit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := strings.TrimSpace(actorID(r)); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
