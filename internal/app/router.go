package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/authensi/authz/internal/observability"
	"github.com/authensi/authz/internal/platform/httpx"
	"github.com/authensi/authz/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Engine  *rbac.Engine
	Handler *rbac.Handler
	Metrics *observability.Metrics
}

// NewRouter assembles the service router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Config: params.Config, Metrics: params.Metrics}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	authzMW := rbac.Middleware{Engine: params.Engine, Logger: params.Logger}
	r.Route("/api/v1", func(api chi.Router) {
		params.Handler.MountRoutes(api, authzMW)
	})

	return r
}
