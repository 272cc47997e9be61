package analysis

import (
	"github.com/markcheno/go-talib"
)

// Indicator math is delegated wholesale to go-talib; this file only
// picks out the latest sample and tags it with its parameter set.

const (
	smaPeriod = 50
	rsiPeriod = 14
)

// requiredBars is the minimum series length for the slowest indicator.
const requiredBars = smaPeriod

// latestSMA returns the most recent simple moving average, or 0 when
// the series is too short.
func latestSMA(closes []float64, period int) float64 {
	if len(closes) < period {
		return 0
	}
	values := talib.Sma(closes, period)
	return values[len(values)-1]
}

// latestRSI returns the most recent relative strength index, or 0 when
// the series is too short.
func latestRSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 0
	}
	values := talib.Rsi(closes, period)
	return values[len(values)-1]
}

// deriveSignal folds price, trend, and momentum into a coarse label.
func deriveSignal(price, sma, rsi float64) string {
	switch {
	case rsi > 0 && rsi < 30:
		return "buy"
	case rsi > 70:
		return "sell"
	case sma > 0 && price > sma:
		return "hold-bullish"
	case sma > 0 && price < sma:
		return "hold-bearish"
	default:
		return "hold"
	}
}
