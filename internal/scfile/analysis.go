package scfile

import (
	"math"
	"time"

	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/pkg/ta"
)

type Trend string

const (
	TrendStrongUp   Trend = "Strong Uptrend"
	TrendUp         Trend = "Uptrend"
	TrendNeutral    Trend = "Neutral"
	TrendDown       Trend = "Downtrend"
	TrendStrongDown Trend = "Strong Downtrend"
)

const (
	tickAnalysisWindow  = 100
	dailyAnalysisWindow = 90
	tradingDaysPerYear  = 252
	minTrendPoints      = 5
)

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type PriceRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Current float64 `json:"current"`
}

type VolumeStats struct {
	Total   float64 `json:"total"`
	Average float64 `json:"average"`
	Max     float64 `json:"max"`
}

// Analysis summarises the most recent records of one symbol.
type Analysis struct {
	Symbol        string         `json:"symbol"`
	DataType      model.DataType `json:"dataType"`
	Records       int            `json:"records"`
	TimeRange     TimeRange      `json:"timeRange"`
	PriceRange    PriceRange     `json:"priceRange"`
	VolumeStats   VolumeStats    `json:"volumeStats"`
	Volatility    float64        `json:"volatility"`
	PercentChange float64        `json:"percentChange"`
	Trend         Trend          `json:"trend"`
}

type series struct {
	times   []time.Time
	closes  []float64
	volumes []float64
}

func analyze(symbol string, dt model.DataType, s series) Analysis {
	a := Analysis{Symbol: symbol, DataType: dt, Records: len(s.closes), Trend: TrendNeutral}
	if len(s.closes) == 0 {
		return a
	}

	a.TimeRange = TimeRange{Start: s.times[0], End: s.times[len(s.times)-1]}

	a.PriceRange = PriceRange{Min: s.closes[0], Max: s.closes[0], Current: s.closes[len(s.closes)-1]}
	for _, c := range s.closes {
		a.PriceRange.Min = math.Min(a.PriceRange.Min, c)
		a.PriceRange.Max = math.Max(a.PriceRange.Max, c)
	}

	for _, v := range s.volumes {
		a.VolumeStats.Total += v
		a.VolumeStats.Max = math.Max(a.VolumeStats.Max, v)
	}
	a.VolumeStats.Average = a.VolumeStats.Total / float64(len(s.volumes))

	a.Volatility = Volatility(s.closes)
	a.PercentChange, a.Trend = classifyTrend(s.closes)
	return a
}

// Volatility is the population standard deviation of simple returns,
// annualised with sqrt(252).
func Volatility(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	return ta.PopulationStdDev(returns) * math.Sqrt(tradingDaysPerYear)
}

// classifyTrend labels the percent change between the first and last close.
func classifyTrend(closes []float64) (float64, Trend) {
	if len(closes) < minTrendPoints || closes[0] == 0 {
		return 0, TrendNeutral
	}
	change := (closes[len(closes)-1] - closes[0]) / closes[0] * 100
	switch {
	case change > 2:
		return change, TrendStrongUp
	case change > 0.5:
		return change, TrendUp
	case change < -2:
		return change, TrendStrongDown
	case change < -0.5:
		return change, TrendDown
	}
	return change, TrendNeutral
}
