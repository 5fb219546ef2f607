package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "selfpipe_open_sessions",
		Help: "Connections currently owned by the chat hub",
	})

	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_messages_total",
		Help: "Complete lines delivered to the sink",
	})

	ReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_session_read_errors_total",
		Help: "Connections dropped after a read error",
	})

	BacklogRequeues = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_session_backlog_requeues_total",
		Help: "Notifications that ended with lines still queued",
	})
)

func init() {
	prometheus.MustRegister(OpenSessions)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(ReadErrors)
	prometheus.MustRegister(BacklogRequeues)
}
