package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Injector is the package label used on metrics originating from the
	// injector state machine, for consistency with the panic counter's "pkg" label.
	Injector = "injector"

	metricInjected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_messages_injected_total",
			Help: "Messages successfully injected, per number of target mailboxes.",
		},
		[]string{"mailboxes"},
	)

	metricInjectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_injection_errors_total",
			Help: "Injections that failed, by the phase in which they failed.",
		},
		[]string{"phase"},
	)

	metricVocabRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_vocabulary_resolve_retries_total",
			Help: "Savepoint rollback/retry rounds in a vocabulary resolver, by table.",
		},
		[]string{"table"},
	)

	metricBodypartDedup = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aox_bodyparts_deduplicated_total",
			Help: "Bodyparts whose hash already existed, so no new row was created.",
		},
	)

	metricPoolHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aox_pool_handles",
			Help: "Current number of database connection handles in the pool.",
		},
	)

	metricPoolQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aox_pool_queue_length",
			Help: "Number of queries currently waiting for a handle.",
		},
	)

	metricUIDWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aox_uid_space_warnings_total",
			Help: "Times a mailbox's uidnext crossed the warning or disaster threshold.",
		},
		[]string{"level"}, // warning, disaster
	)
)

// InjectedInc counts one successful injection into the given number of mailboxes.
func InjectedInc(mailboxes int) {
	metricInjected.WithLabelValues(strconv.Itoa(mailboxes)).Inc()
}

// InjectErrorInc counts one failed injection, tagged with the phase that failed.
func InjectErrorInc(phase string) {
	metricInjectErrors.WithLabelValues(phase).Inc()
}

// VocabRetryInc counts one savepoint-rollback retry round for the named vocabulary table.
func VocabRetryInc(table string) {
	metricVocabRetries.WithLabelValues(table).Inc()
}

// BodypartDedupInc counts one bodypart insert that hit an existing hash.
func BodypartDedupInc() {
	metricBodypartDedup.Inc()
}

// PoolHandlesSet reports the current handle count of the connection pool.
func PoolHandlesSet(n int) {
	metricPoolHandles.Set(float64(n))
}

// PoolQueueSet reports the current queue depth of the connection pool.
func PoolQueueSet(n int) {
	metricPoolQueue.Set(float64(n))
}

// UIDWarningInc counts a uidnext crossing into the warning or disaster band.
func UIDWarningInc(level string) {
	metricUIDWarnings.WithLabelValues(level).Inc()
}
