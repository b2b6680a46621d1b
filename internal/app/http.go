package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sourcepulse/activity-engine/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewHTTPHandler wires the activity API, metrics, and health endpoints on
// a single router.
func NewHTTPHandler(api *API, metricsHandler http.Handler, healthHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	router.Route("/api", func(r chi.Router) {
		r.Get("/activity", wrapAPIHandler(traceMode, "activity", api.handleGetActivity))
		r.Post("/refresh", wrapAPIHandler(traceMode, "refresh", api.handleStartRefresh))
		r.Get("/jobs/{jobID}", wrapAPIHandler(traceMode, "job_status", api.handleJobStatus))
		r.Delete("/jobs/{jobID}", wrapAPIHandler(traceMode, "job_delete", api.handleJobDelete))
		r.Post("/cache/invalidate", wrapAPIHandler(traceMode, "cache_invalidate", api.handleCacheInvalidate))
		r.Get("/repositories", wrapAPIHandler(traceMode, "repositories", api.handleListRepositories))
		r.Get("/repositories/enabled", wrapAPIHandler(traceMode, "repositories_enabled", api.handleListEnabledRepositories))
		r.Post("/repositories/selection", wrapAPIHandler(traceMode, "repository_selection", api.handleSaveSelection))
		r.Put("/repositories/{workspace}/{name}", wrapAPIHandler(traceMode, "repository_update", api.handleSetRepositoryEnabled))
	})

	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))
	return router
}

func wrapAPIHandler(traceMode, route string, handler http.HandlerFunc) http.HandlerFunc {
	wrapped := wrapHTTPHandler(traceMode, route, handler)
	return wrapped.ServeHTTP
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("activity-engine/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
