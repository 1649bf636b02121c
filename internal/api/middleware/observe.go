package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tle_arena/internal/platform/metrics"
)

// Observe logs every request and records it in the HTTP metrics. Routes are
// labelled by their chi pattern so room ids do not blow up cardinality.
func Observe(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			metrics.RequestCounter.WithLabelValues(strconv.Itoa(status), r.Method, path).Inc()
			metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())

			fields := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"request_id", chiMiddleware.GetReqID(r.Context()),
			}
			switch {
			case status >= http.StatusInternalServerError:
				log.Errorw("request failed", fields...)
			case status >= http.StatusBadRequest:
				log.Warnw("request rejected", fields...)
			default:
				log.Infow("request", fields...)
			}
		})
	}
}
