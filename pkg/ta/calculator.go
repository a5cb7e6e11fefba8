package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// RSIPeriod is the fixed look-back of the RSI average gain/loss.
const RSIPeriod = 14

// Bands holds a Bollinger band triple.
type Bands struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Indicators is the on-demand indicator set. A nil field had too little
// history to be computed.
type Indicators struct {
	SMA       *float64 `json:"sma,omitempty"`
	EMA       *float64 `json:"ema,omitempty"`
	RSI       *float64 `json:"rsi,omitempty"`
	Bollinger *Bands   `json:"bollingerBands,omitempty"`
	VolumeSMA *float64 `json:"volumeSma,omitempty"`
}

// Compute derives every indicator it can from closes and volumes, oldest
// first, for the given period.
func Compute(closes, volumes []float64, period int) Indicators {
	var ind Indicators
	if period <= 0 {
		return ind
	}
	if v, ok := Sma(closes, period); ok {
		ind.SMA = &v
	}
	if v, ok := Ema(closes, period); ok {
		ind.EMA = &v
	}
	if len(closes) >= period+RSIPeriod {
		if v, ok := Rsi(closes, RSIPeriod); ok {
			ind.RSI = &v
		}
	}
	if b, ok := BollingerBands(closes, period, 2); ok {
		ind.Bollinger = &b
	}
	if v, ok := Sma(volumes, period); ok {
		ind.VolumeSMA = &v
	}
	return ind
}

// Sma is the mean of the last period values.
func Sma(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	out := talib.Sma(values[len(values)-period:], period)
	return out[len(out)-1], true
}

// Ema runs the smoothing constant 2/(period+1) over all values, seeded with
// the first one.
func Ema(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	k := 2 / float64(period+1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// Rsi uses simple averages of the gains and losses over the last n deltas.
// It is undefined when there were no losses.
func Rsi(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(values) - n; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain, avgLoss := gain/float64(n), loss/float64(n)
	if avgLoss == 0 {
		return 0, false
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// BollingerBands is the SMA of the last period values plus and minus k
// population standard deviations.
func BollingerBands(values []float64, period int, k float64) (Bands, bool) {
	middle, ok := Sma(values, period)
	if !ok {
		return Bands{}, false
	}
	window := values[len(values)-period:]
	var sq float64
	for _, v := range window {
		sq += (v - middle) * (v - middle)
	}
	sd := math.Sqrt(sq / float64(period))
	return Bands{Upper: middle + k*sd, Middle: middle, Lower: middle - k*sd}, true
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopulationStdDev divides by n, not n-1.
func PopulationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var sq float64
	for _, v := range values {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(values)))
}
