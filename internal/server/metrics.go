package server

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_connections_accepted_total",
		Help: "Connections accepted and registered with the event loop",
	})

	AcceptErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selfpipe_accept_errors_total",
		Help: "Accept failures and rejected connections by stage",
	}, []string{"stage"})

	SignalsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selfpipe_signals_received_total",
		Help: "Signal bytes decoded from the signal pipe",
	}, []string{"signal", "disposition"})

	SignalsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "selfpipe_signals_dropped_total",
		Help: "Signals lost because the signal pipe was full",
	}, []string{"signal"})

	SignalPipeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_signal_pipe_errors_total",
		Help: "Read failures on the signal pipe",
	})

	LoopWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "selfpipe_loop_wakeups_total",
		Help: "Returns from the multiplexer wait call",
	})

	LoopState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "selfpipe_loop_state",
		Help: "Shutdown controller state (0 running, 1 stopping, 2 closed)",
	})

	EventDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfpipe_event_dispatch_seconds",
		Help:    "Time to dispatch one ready descriptor by source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(AcceptErrors)
	prometheus.MustRegister(SignalsReceived)
	prometheus.MustRegister(SignalsDropped)
	prometheus.MustRegister(SignalPipeErrors)
	prometheus.MustRegister(LoopWakeups)
	prometheus.MustRegister(LoopState)
	prometheus.MustRegister(EventDispatchDuration)
}
