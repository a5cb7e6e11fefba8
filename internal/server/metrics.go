package server

import "github.com/prometheus/client_golang/prometheus"

var wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "server_websocket_clients",
	Help: "connected websocket clients",
})

var eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "server_event_count",
	Help: "events queued for websocket clients by type",
}, []string{"type"})

func init() {
	prometheus.MustRegister(wsClients, eventsPublished)
}
