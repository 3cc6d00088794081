package apihttp

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"animecatalog/internal/metrics"
)

// route is how the middleware chain treats one endpoint family.
type route struct {
	label string
	// enriching routes may schedule upstream work and share the rate limit.
	enriching bool
	// probe routes are scraped by infrastructure and logged at debug.
	probe bool
	// stream routes hijack the connection and are neither wrapped nor measured.
	stream bool
}

var (
	routeSearch  = route{label: "/search", enriching: true}
	routeEntry   = route{label: "/anime", enriching: true}
	routeHealth  = route{label: "/health", probe: true}
	routeMetrics = route{label: "/metrics", probe: true}
	routeEvents  = route{label: "/ws", stream: true}
	routeOther   = route{label: "/other"}
)

func classifyRoute(path string) route {
	switch {
	case path == "/search":
		return routeSearch
	case strings.HasPrefix(path, "/anime/"):
		return routeEntry
	case path == "/health":
		return routeHealth
	case path == "/metrics":
		return routeMetrics
	case path == "/ws":
		return routeEvents
	default:
		return routeOther
	}
}

// requestAttrs names what the request is about: the search term or the entry.
func (rt route) requestAttrs(r *http.Request) []slog.Attr {
	switch rt {
	case routeSearch:
		return []slog.Attr{slog.String("q", clip(strings.TrimSpace(r.URL.Query().Get("q")), 80))}
	case routeEntry:
		return []slog.Attr{slog.String("entryId", strings.TrimPrefix(r.URL.Path, "/anime/"))}
	}
	return nil
}

func (rt route) logLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case rt.probe:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// instrument logs and measures every request. Event streams pass through with
// the original writer so the websocket upgrade can hijack it.
func instrument(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := classifyRoute(r.URL.Path)
		start := time.Now()
		if rt.stream {
			next.ServeHTTP(w, r)
			logger.Debug("event stream closed",
				slog.String("remote", remoteHost(r)),
				slog.Duration("connected", time.Since(start)),
			)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, rt.label, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, rt.label).Observe(elapsed.Seconds())

		attrs := append([]slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", rt.label),
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.size),
			slog.Int64("durationMs", elapsed.Milliseconds()),
			slog.String("remote", remoteHost(r)),
		}, rt.requestAttrs(r)...)
		logger.LogAttrs(r.Context(), rt.logLevel(rw.status), "http request", attrs...)
	})
}

func recoverPanics(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered",
					slog.Any("error", recovered),
					slog.String("route", classifyRoute(r.URL.Path).label),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// limitEnrichment throttles the routes that can schedule aggregation or
// refresh work with one shared token bucket. rps <= 0 disables it.
func limitEnrichment(rps float64, burst int, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if classifyRoute(r.URL.Path).enriching && !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// clip shortens value to at most limit runes.
func clip(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit]) + "…"
}
