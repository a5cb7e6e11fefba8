package scfile

import "github.com/prometheus/client_golang/prometheus"

var symbolUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "scfile_symbol_update_count",
	Help: "data file changes seen by the monitor",
}, []string{"type"})

var catalogedSymbols = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scfile_cataloged_symbols",
	Help: "symbols found by the last directory scan",
}, []string{"type"})

func init() {
	prometheus.MustRegister(symbolUpdates, catalogedSymbols)
}
