package marketdata

import "github.com/prometheus/client_golang/prometheus"

var activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "marketdata_active_subscriptions",
	Help: "distinct symbol/exchange keys with at least one subscriber",
})

var requestsSent = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "marketdata_request_count",
	Help: "market data requests written to the wire",
})

var updatesReceived = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "marketdata_update_count",
	Help: "market data updates received",
})

func init() {
	prometheus.MustRegister(activeSubscriptions, requestsSent, updatesReceived)
}
