package dtc

import "github.com/prometheus/client_golang/prometheus"

var frameCounters = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dtc_frame_count",
	Help: "dtc frames by direction and message type",
}, []string{"direction", "type"})

var protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "dtc_protocol_error_count",
	Help: "dtc frames dropped as malformed",
})

var reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "dtc_reconnect_attempt_count",
	Help: "dtc reconnect attempts",
})

var connectedState = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "dtc_connected_state",
	Help: "1 while the dtc session is logged on",
})

func init() {
	prometheus.MustRegister(frameCounters, protocolErrors, reconnectAttempts, connectedState)
}
