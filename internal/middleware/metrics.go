package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"flight-booking-api/internal/metrics"
)

// Metrics records request counts, latencies and in-flight requests.
// Labels use the matched route pattern to keep cardinality low.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(statusOf(ww)),
		}
		metrics.HTTPRequestsTotal.With(labels).Inc()
		metrics.HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
