package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridertrack/internal/metrics"
)

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.Config.Server.AllowOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Client-Id", "X-Rider-Id", "X-Role", "X-Campaign-Id"},
		MaxAge:         300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/debug", s.DebugJSON)

		r.Post("/locations", s.LocationHandler)
		r.Post("/locations/batch", s.LocationBatchHandler)
		r.Get("/locations/live", s.LiveLocationsHandler)

		r.Get("/riders/{riderID}/location", s.RiderLocationHandler)
		r.Get("/riders/{riderID}/route", s.RiderRouteHandler)

		r.Get("/heatmap", s.HeatmapHandler)

		r.Post("/sessions/{sessionID}/pause", s.PauseHandler)
		r.Post("/sessions/{sessionID}/resume", s.ResumeHandler)
		r.Post("/sessions/{sessionID}/recompute", s.RecomputeHandler)

		r.Get("/live/stream", s.LiveStreamHandler)
		r.Get("/live/ws", s.LiveWSHandler)

		if s.dev != nil {
			r.Post("/dev/sessions", s.OpenSessionHandler)
			r.Post("/dev/sessions/{sessionID}/close", s.CloseSessionHandler)
		}
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// metricsMiddleware records request count and latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}
