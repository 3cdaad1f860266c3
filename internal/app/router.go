package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merx-mms/merx/internal/audit"
	"github.com/merx-mms/merx/internal/ledger"
	"github.com/merx-mms/merx/internal/masterdata/skus"
	"github.com/merx-mms/merx/internal/masterdata/warehouses"
	"github.com/merx-mms/merx/internal/observability"
	"github.com/merx-mms/merx/internal/orders"
	"github.com/merx-mms/merx/internal/returns"
	"github.com/merx-mms/merx/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	LedgerHandler    *ledger.Handler
	OrderHandler     *orders.Handler
	ReturnHandler    *returns.Handler
	WarehouseHandler *warehouses.Handler
	SKUHandler       *skus.Handler
	AuditHandler     *audit.Handler
	JobsHandler      *jobs.Handler
	Pool             *pgxpool.Pool
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Get("/metrics", params.Metrics.Handler().ServeHTTP)
	}

	r.Route("/inventory", params.LedgerHandler.MountRoutes)
	r.Route("/orders", params.OrderHandler.MountRoutes)
	r.Route("/returns", params.ReturnHandler.MountRoutes)
	r.Route("/warehouses", params.WarehouseHandler.MountRoutes)
	r.Route("/skus", params.SKUHandler.MountRoutes)
	r.Route("/audit", params.AuditHandler.MountRoutes)
	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	return r
}
