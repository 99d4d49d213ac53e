package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricUndeleted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "aox_messages_undeleted_total",
		Help: "Messages restored from deleted_messages, per mailbox.",
	},
	[]string{"mailbox"},
)

// UndeletedInc counts n messages restored into the named mailbox.
func UndeletedInc(mailbox string, n int) {
	metricUndeleted.WithLabelValues(mailbox).Add(float64(n))
}
