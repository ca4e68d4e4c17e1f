package pomi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sendPathSocket = "socket"
	sendPathREST   = "rest"
)

// syncMetrics counts what the Messenger does. Built with a nil registerer
// the collectors still count but are not exported anywhere.
type syncMetrics struct {
	messagesSent     *prometheus.CounterVec
	sendFailures     prometheus.Counter
	echoesSuppressed prometheus.Counter
	inboundMessages  prometheus.Counter
	staleDiscards    prometheus.Counter
}

func newSyncMetrics(reg prometheus.Registerer) *syncMetrics {
	f := promauto.With(reg)
	return &syncMetrics{
		// Sends accepted by the socket or the REST fallback
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pomi",
				Name:      "messages_sent_total",
				Help:      "Outbound messages handed to a delivery path",
			},
			[]string{"path"},
		),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pomi",
			Name:      "message_send_failures_total",
			Help:      "Sends rolled back after the REST fallback failed",
		}),
		echoesSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pomi",
			Name:      "echoes_suppressed_total",
			Help:      "Inbound messages already present in the open thread",
		}),
		inboundMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pomi",
			Name:      "inbound_messages_total",
			Help:      "Messages received over the realtime transport",
		}),
		staleDiscards: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pomi",
			Name:      "stale_fetches_discarded_total",
			Help:      "Fetch results dropped because the active conversation changed",
		}),
	}
}
