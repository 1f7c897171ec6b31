package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/alertapi"
	"github.com/linnemanlabs/vanguard/internal/authmw"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"

	// alerts are small JSON documents; anything larger is rejected with 413
	maxAlertBody = 64 << 10
)

// newRouter mounts the probes and the bearer-protected alert API. Probes
// stay unauthenticated so load balancers can reach them.
func newRouter(api *alertapi.API, tokens []string, healthz, readyz http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxAlertBody))

	r.Method(http.MethodGet, healthyPath, healthz)
	r.Method(http.MethodGet, readyPath, readyz)

	api.RegisterRoutes(r, authmw.BearerToken(tokens...))
	return r
}

// edgeOptions are the outer, router-independent middlewares.
type edgeOptions struct {
	Logger   log.Logger
	ClientIP httpmw.ClientIPOptions
	// Instrument wraps the handler with request metrics. Optional.
	Instrument func(http.Handler) http.Handler
}

// wrapEdge applies the outer middleware chain, innermost first, so the
// last wrapper applied sees the raw request first.
func wrapEdge(h http.Handler, opts edgeOptions) http.Handler {
	h = httpmw.WithLogger(opts.Logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	if opts.Instrument != nil {
		h = opts.Instrument(h)
	}
	h = httpmw.ClientIPWithOptions(opts.ClientIP)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(opts.Logger, nil)(h)
	return httpmw.SecurityHeaders(h)
}
