package platformauth

import "sync"

// Metric event names recorded by the token lifecycle.
const (
	MetricCacheHit                = "token.cache_hit"
	MetricCacheError              = "token.cache_error"
	MetricStoreHit                = "token.store_hit"
	MetricNotConnected            = "token.not_connected"
	MetricRefreshSuccess          = "token.refresh_success"
	MetricRefreshRejected         = "token.refresh_rejected"
	MetricRefreshUnavailable      = "token.refresh_unavailable"
	MetricRefreshShared           = "token.refresh_shared"
	MetricAuthorizeStarted        = "oauth.authorize_started"
	MetricCallbackSuccess         = "oauth.callback_success"
	MetricCallbackInvalid         = "oauth.callback_invalid_state"
	MetricCallbackExchangeErr     = "oauth.callback_exchange_failed"
	MetricCallbackSessionMismatch = "oauth.callback_session_mismatch"
	MetricLogout                  = "session.logout"
)

// MetricsRecorder increments counters for token and flow events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
