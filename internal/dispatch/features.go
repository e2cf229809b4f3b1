package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/indicators"
)

// warmupMargin is how many extra bars are fetched beyond the model window so
// indicator lookbacks have room to settle before the window starts.
const warmupMargin = 200

// rawSeries are feature names served straight from bars, no indicator pass.
var rawSeries = map[string]func(domain.Bar) float64{
	"open":   func(b domain.Bar) float64 { return b.Open },
	"high":   func(b domain.Bar) float64 { return b.High },
	"low":    func(b domain.Bar) float64 { return b.Low },
	"close":  func(b domain.Bar) float64 { return b.Close },
	"volume": func(b domain.Bar) float64 { return b.Volume },
}

// specForLabel maps an artifact feature label back to the indicator spec that
// produces it. Labels follow the feature engine's naming, e.g. "sma_20",
// "macd_signal", "bb_upper_20", "stoch_k", "ichimoku_kijun".
func specForLabel(label string) (indicators.Spec, error) {
	switch {
	case label == "obv":
		return indicators.Spec{Kind: indicators.KindOBV}, nil
	case label == "macd" || strings.HasPrefix(label, "macd_"):
		return indicators.Spec{Kind: indicators.KindMACD}, nil
	case strings.HasPrefix(label, "stoch_"):
		return indicators.Spec{Kind: indicators.KindStoch}, nil
	case strings.HasPrefix(label, "ichimoku_"):
		return indicators.Spec{Kind: indicators.KindIchimoku}, nil
	case strings.HasPrefix(label, "bb_"):
		period, err := trailingPeriod(label)
		if err != nil {
			return indicators.Spec{}, err
		}
		return indicators.Spec{Kind: indicators.KindBollinger, Period: period}, nil
	case strings.HasPrefix(label, "aroon_"):
		period, err := trailingPeriod(label)
		if err != nil {
			return indicators.Spec{}, err
		}
		return indicators.Spec{Kind: indicators.KindAroon, Period: period}, nil
	}

	idx := strings.LastIndexByte(label, '_')
	if idx <= 0 {
		return indicators.Spec{}, fmt.Errorf("%w: unknown feature label %q", domain.ErrValidation, label)
	}
	kind := indicators.Kind(label[:idx])
	period, err := strconv.Atoi(label[idx+1:])
	if err != nil || period <= 0 {
		return indicators.Spec{}, fmt.Errorf("%w: unknown feature label %q", domain.ErrValidation, label)
	}
	switch kind {
	case indicators.KindSMA, indicators.KindEMA, indicators.KindRSI, indicators.KindATR,
		indicators.KindROC, indicators.KindWilliamsR, indicators.KindADX, indicators.KindCCI:
		return indicators.Spec{Kind: kind, Period: period}, nil
	}
	return indicators.Spec{}, fmt.Errorf("%w: unknown feature label %q", domain.ErrValidation, label)
}

// trailingPeriod parses the period from the last underscore-separated token
// of a label such as "bb_upper_20".
func trailingPeriod(label string) (int, error) {
	idx := strings.LastIndexByte(label, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("%w: unknown feature label %q", domain.ErrValidation, label)
	}
	period, err := strconv.Atoi(label[idx+1:])
	if err != nil || period <= 0 {
		return 0, fmt.Errorf("%w: unknown feature label %q", domain.ErrValidation, label)
	}
	return period, nil
}

// buildFeatureWindow assembles a [timesteps][features] matrix from the last
// bars, columns ordered by the artifact's feature list. The window is taken
// from the tail so indicator warm-up NaNs stay out of it.
func buildFeatureWindow(featureList []string, timesteps int, bars []domain.Bar) ([][]float64, error) {
	if len(bars) < timesteps {
		return nil, fmt.Errorf("%w: need %d bars for the model window, have %d",
			domain.ErrValidation, timesteps, len(bars))
	}

	var specs []indicators.Spec
	seen := make(map[string]bool)
	for _, label := range featureList {
		if rawSeries[label] != nil {
			continue
		}
		spec, err := specForLabel(label)
		if err != nil {
			return nil, err
		}
		key := string(spec.Kind) + spec.ParamsHash()
		if !seen[key] {
			seen[key] = true
			specs = append(specs, spec)
		}
	}

	computed := make(map[string][]float64)
	if len(specs) > 0 {
		var err error
		computed, err = indicators.ComputeAll(specs, bars)
		if err != nil {
			return nil, err
		}
	}

	start := len(bars) - timesteps
	window := make([][]float64, timesteps)
	for t := 0; t < timesteps; t++ {
		row := make([]float64, len(featureList))
		for f, label := range featureList {
			if get := rawSeries[label]; get != nil {
				row[f] = get(bars[start+t])
				continue
			}
			series, ok := computed[label]
			if !ok {
				return nil, fmt.Errorf("%w: feature %q not produced by its indicator", domain.ErrValidation, label)
			}
			v := series[start+t]
			if math.IsNaN(v) {
				return nil, fmt.Errorf("%w: feature %q undefined at window position %d, fetch more history",
					domain.ErrValidation, label, t)
			}
			row[f] = v
		}
		window[t] = row
	}
	return window, nil
}
