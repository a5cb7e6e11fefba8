package trading

import "github.com/prometheus/client_golang/prometheus"

var ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trading_order_placed_count",
	Help: "orders written to the wire by order type",
}, []string{"type"})

var orderUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "trading_order_update_count",
	Help: "applied order updates by resulting status",
}, []string{"status"})

var riskRejections = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "trading_risk_rejection_count",
	Help: "orders refused by the pre-trade risk check",
})

func init() {
	prometheus.MustRegister(ordersPlaced, orderUpdates, riskRejections)
}
