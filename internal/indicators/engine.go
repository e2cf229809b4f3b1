// Package indicators is the feature engine: pure, deterministic
// transformations from a window of bars to labeled indicator series. The
// package is stateless and safe for concurrent use; memoization lives in the
// market-data hub, not here.
//
// Warm-up convention: values inside an indicator's lookback window are
// undefined and returned as NaN.
package indicators

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/openquant/tradecore/internal/domain"
)

// Kind names a supported indicator.
type Kind string

const (
	KindSMA       Kind = "sma"
	KindEMA       Kind = "ema"
	KindRSI       Kind = "rsi"
	KindMACD      Kind = "macd"
	KindBollinger Kind = "bollinger"
	KindATR       Kind = "atr"
	KindOBV       Kind = "obv"
	KindROC       Kind = "roc"
	KindStoch     Kind = "stoch"
	KindWilliamsR Kind = "williams_r"
	KindADX       Kind = "adx"
	KindCCI       Kind = "cci"
	KindAroon     Kind = "aroon"
	KindIchimoku  Kind = "ichimoku"
)

// Spec selects an indicator with parameters. Zero-valued params take the
// conventional defaults.
type Spec struct {
	Kind   Kind    `json:"kind"`
	Period int     `json:"period,omitempty"`
	Fast   int     `json:"fast,omitempty"`     // macd
	Slow   int     `json:"slow,omitempty"`     // macd
	Signal int     `json:"signal,omitempty"`   // macd
	StdDev float64 `json:"std_dev,omitempty"`  // bollinger
	KPer   int     `json:"k_period,omitempty"` // stoch
	DPer   int     `json:"d_period,omitempty"` // stoch
	Smooth int     `json:"smooth,omitempty"`   // stoch
}

// withDefaults fills in the conventional default parameters.
func (s Spec) withDefaults() Spec {
	def := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	switch s.Kind {
	case KindSMA, KindEMA:
		s.Period = def(s.Period, 20)
	case KindRSI, KindATR, KindWilliamsR, KindADX, KindCCI, KindAroon:
		s.Period = def(s.Period, 14)
	case KindROC:
		s.Period = def(s.Period, 10)
	case KindMACD:
		s.Fast, s.Slow, s.Signal = def(s.Fast, 12), def(s.Slow, 26), def(s.Signal, 9)
	case KindBollinger:
		s.Period = def(s.Period, 20)
		if s.StdDev == 0 {
			s.StdDev = 2
		}
	case KindStoch:
		s.KPer, s.DPer, s.Smooth = def(s.KPer, 5), def(s.DPer, 3), def(s.Smooth, 3)
	case KindIchimoku:
		// Tenkan 9, Kijun 26, Senkou B 52; fixed conventional periods.
	}
	return s
}

// ParamsHash returns a stable fingerprint of the spec, used as part of the
// memoization key (symbol, timeframe, indicator, params_hash).
func (s Spec) ParamsHash() string {
	s = s.withDefaults()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d|%d|%g|%d|%d|%d",
		s.Kind, s.Period, s.Fast, s.Slow, s.Signal, s.StdDev, s.KPer, s.DPer, s.Smooth)))
	return hex.EncodeToString(h[:8])
}

// Compute evaluates the spec against a bar window and returns one or more
// labeled series, each the same length as the input.
func Compute(spec Spec, bars []domain.Bar) (map[string][]float64, error) {
	spec = spec.withDefaults()
	n := len(bars)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty bar window", domain.ErrValidation)
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, b := range bars {
		high[i], low[i], closes[i], volume[i] = b.High, b.Low, b.Close, b.Volume
	}

	out := make(map[string][]float64)
	switch spec.Kind {
	case KindSMA:
		out[fmt.Sprintf("sma_%d", spec.Period)] = maskWarmup(talib.Sma(closes, spec.Period), spec.Period-1)
	case KindEMA:
		out[fmt.Sprintf("ema_%d", spec.Period)] = maskWarmup(talib.Ema(closes, spec.Period), spec.Period-1)
	case KindRSI:
		out[fmt.Sprintf("rsi_%d", spec.Period)] = maskWarmup(talib.Rsi(closes, spec.Period), spec.Period)
	case KindMACD:
		macd, signal, hist := talib.Macd(closes, spec.Fast, spec.Slow, spec.Signal)
		lookback := spec.Slow + spec.Signal - 2
		out["macd"] = maskWarmup(macd, lookback)
		out["macd_signal"] = maskWarmup(signal, lookback)
		out["macd_hist"] = maskWarmup(hist, lookback)
	case KindBollinger:
		upper, middle, lower := talib.BBands(closes, spec.Period, spec.StdDev, spec.StdDev, talib.SMA)
		out[fmt.Sprintf("bb_upper_%d", spec.Period)] = maskWarmup(upper, spec.Period-1)
		out[fmt.Sprintf("bb_middle_%d", spec.Period)] = maskWarmup(middle, spec.Period-1)
		out[fmt.Sprintf("bb_lower_%d", spec.Period)] = maskWarmup(lower, spec.Period-1)
	case KindATR:
		out[fmt.Sprintf("atr_%d", spec.Period)] = maskWarmup(talib.Atr(high, low, closes, spec.Period), spec.Period)
	case KindOBV:
		out["obv"] = talib.Obv(closes, volume)
	case KindROC:
		out[fmt.Sprintf("roc_%d", spec.Period)] = maskWarmup(talib.Roc(closes, spec.Period), spec.Period)
	case KindStoch:
		k, d := talib.Stoch(high, low, closes, spec.KPer, spec.Smooth, talib.SMA, spec.DPer, talib.SMA)
		lookback := spec.KPer + spec.Smooth + spec.DPer - 3
		out["stoch_k"] = maskWarmup(k, lookback)
		out["stoch_d"] = maskWarmup(d, lookback)
	case KindWilliamsR:
		out[fmt.Sprintf("williams_r_%d", spec.Period)] = maskWarmup(talib.WillR(high, low, closes, spec.Period), spec.Period-1)
	case KindADX:
		out[fmt.Sprintf("adx_%d", spec.Period)] = maskWarmup(talib.Adx(high, low, closes, spec.Period), 2*spec.Period-1)
	case KindCCI:
		out[fmt.Sprintf("cci_%d", spec.Period)] = maskWarmup(talib.Cci(high, low, closes, spec.Period), spec.Period-1)
	case KindAroon:
		down, up := talib.Aroon(high, low, spec.Period)
		out[fmt.Sprintf("aroon_down_%d", spec.Period)] = maskWarmup(down, spec.Period)
		out[fmt.Sprintf("aroon_up_%d", spec.Period)] = maskWarmup(up, spec.Period)
	case KindIchimoku:
		tenkan, kijun, spanA, spanB := ichimoku(high, low)
		out["ichimoku_tenkan"] = tenkan
		out["ichimoku_kijun"] = kijun
		out["ichimoku_span_a"] = spanA
		out["ichimoku_span_b"] = spanB
	default:
		return nil, fmt.Errorf("%w: unknown indicator %q", domain.ErrValidation, spec.Kind)
	}

	return out, nil
}

// ComputeAll evaluates multiple specs over the same window and merges the
// labeled series. Label collisions are rejected.
func ComputeAll(specs []Spec, bars []domain.Bar) (map[string][]float64, error) {
	merged := make(map[string][]float64)
	for _, spec := range specs {
		series, err := Compute(spec, bars)
		if err != nil {
			return nil, err
		}
		for name, values := range series {
			if _, dup := merged[name]; dup {
				return nil, fmt.Errorf("%w: duplicate indicator label %q", domain.ErrValidation, name)
			}
			merged[name] = values
		}
	}
	return merged, nil
}

// Labels returns the sorted labels a spec list produces for a given window
// length, useful for building feature matrices in a stable column order.
func Labels(series map[string][]float64) []string {
	labels := make([]string, 0, len(series))
	for name := range series {
		labels = append(labels, name)
	}
	sort.Strings(labels)
	return labels
}

// maskWarmup replaces the indicator's lookback region with NaN. go-talib
// returns zeros there, which are indistinguishable from real values.
func maskWarmup(values []float64, lookback int) []float64 {
	if lookback > len(values) {
		lookback = len(values)
	}
	for i := 0; i < lookback; i++ {
		values[i] = math.NaN()
	}
	return values
}

// ichimoku computes the Ichimoku Kinko Hyo lines with the conventional
// 9/26/52 periods. go-talib has no Ichimoku, so midpoints are computed
// directly. Span values are aligned to the bar where they are computed (the
// conventional forward displacement is a charting concern).
func ichimoku(high, low []float64) (tenkan, kijun, spanA, spanB []float64) {
	n := len(high)
	tenkan = make([]float64, n)
	kijun = make([]float64, n)
	spanA = make([]float64, n)
	spanB = make([]float64, n)

	midpoint := func(i, period int) float64 {
		if i < period-1 {
			return math.NaN()
		}
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, high[j])
			lo = math.Min(lo, low[j])
		}
		return (hi + lo) / 2
	}

	for i := 0; i < n; i++ {
		tenkan[i] = midpoint(i, 9)
		kijun[i] = midpoint(i, 26)
		spanA[i] = (tenkan[i] + kijun[i]) / 2
		spanB[i] = midpoint(i, 52)
	}
	return tenkan, kijun, spanA, spanB
}
