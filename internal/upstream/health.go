package upstream

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"animecatalog/internal/metrics"
)

// ProviderStatus is the per-provider view served by the health endpoint.
type ProviderStatus struct {
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs"`
	LastTimeout         bool       `json:"lastTimeout"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	TotalRequests       int64      `json:"totalRequests"`
	TotalFailures       int64      `json:"totalFailures"`
	RateLimited         int64      `json:"rateLimited"`
}

type providerHealth struct {
	consecutiveFailures int
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
	rateLimited         int64
}

type healthBook struct {
	mu    sync.Mutex
	state map[string]*providerHealth
}

func newHealthBook() *healthBook {
	return &healthBook{state: make(map[string]*providerHealth)}
}

// record books one logical call (retries included). "No results" counts as success.
func (h *healthBook) record(provider, operation, query string, err error, latency time.Duration, now time.Time) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return
	}
	status := statusLabel(err)
	metrics.UpstreamRequestsTotal.WithLabelValues(name, operation, status).Inc()
	if latency > 0 {
		metrics.UpstreamRequestDuration.WithLabelValues(name, operation).Observe(latency.Seconds())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.state[name]
	if state == nil {
		state = &providerHealth{}
		h.state[name] = state
	}
	state.totalRequests++
	state.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		state.lastLatency = latency
	}
	state.lastTimeout = isTimeoutLikeError(err)

	if err == nil || errors.Is(err, ErrNoResults) {
		state.consecutiveFailures = 0
		state.lastError = ""
		state.lastSuccessAt = now
		return
	}

	if status == "rate_limited" {
		state.rateLimited++
	}
	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()
}

func (h *healthBook) snapshot(names []string) []ProviderStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := make([]ProviderStatus, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		item := ProviderStatus{Name: name}
		if state := h.state[name]; state != nil {
			item.ConsecutiveFailures = state.consecutiveFailures
			item.LastError = state.lastError
			if !state.lastSuccessAt.IsZero() {
				at := state.lastSuccessAt
				item.LastSuccessAt = &at
			}
			if !state.lastFailureAt.IsZero() {
				at := state.lastFailureAt
				item.LastFailureAt = &at
			}
			item.LastLatencyMS = state.lastLatency.Milliseconds()
			item.LastTimeout = state.lastTimeout
			item.LastQuery = state.lastQuery
			item.TotalRequests = state.totalRequests
			item.TotalFailures = state.totalFailures
			item.RateLimited = state.rateLimited
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
