package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resumable_transfer/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter assembles the control API: health and metrics endpoints plus the control routes, all
// behind request ids, request logging, RED metrics and tracing.
func NewRouter(control *ControlHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	r.Mount("/", control.Routes())

	return otelhttp.NewHandler(r, "control-api")
}
