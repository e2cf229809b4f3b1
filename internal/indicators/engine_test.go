package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
)

// window builds n hourly bars with close = start + i and a fixed spread.
func window(n int, start float64) []domain.Bar {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := start + float64(i)
		bars[i] = domain.Bar{
			Symbol: "AAPL", Timeframe: domain.Timeframe1h,
			TS:   base.Add(time.Duration(i) * time.Hour),
			Open: c - 0.5, High: c + 1, Low: c - 1, Close: c, Volume: 1000 + float64(i),
			Source: "test",
		}
	}
	return bars
}

func TestSMAValuesAndWarmup(t *testing.T) {
	bars := window(30, 100)
	out, err := Compute(Spec{Kind: KindSMA, Period: 5}, bars)
	require.NoError(t, err)

	sma := out["sma_5"]
	require.Len(t, sma, 30)
	for i := 0; i < 4; i++ {
		assert.True(t, math.IsNaN(sma[i]), "index %d inside the warm-up window must be NaN", i)
	}
	// Closes are 100..129, so SMA(5) at index 4 averages 100..104.
	assert.InDelta(t, 102, sma[4], 1e-9)
	assert.InDelta(t, 127, sma[29], 1e-9)
}

func TestDefaultsApplied(t *testing.T) {
	bars := window(60, 100)
	out, err := Compute(Spec{Kind: KindRSI}, bars)
	require.NoError(t, err)
	rsi, ok := out["rsi_14"]
	require.True(t, ok, "default RSI period is 14")
	assert.True(t, math.IsNaN(rsi[13]))
	// Monotonically rising closes drive RSI to 100.
	assert.InDelta(t, 100, rsi[59], 1e-9)
}

func TestMACDWarmup(t *testing.T) {
	bars := window(80, 100)
	out, err := Compute(Spec{Kind: KindMACD}, bars)
	require.NoError(t, err)
	require.Len(t, out, 3)

	lookback := 26 + 9 - 2
	for _, name := range []string{"macd", "macd_signal", "macd_hist"} {
		series := out[name]
		require.Len(t, series, 80)
		assert.True(t, math.IsNaN(series[lookback-1]), "%s warm-up", name)
		assert.False(t, math.IsNaN(series[lookback]), "%s first defined value", name)
	}
}

func TestBollingerOrdering(t *testing.T) {
	bars := window(40, 100)
	out, err := Compute(Spec{Kind: KindBollinger}, bars)
	require.NoError(t, err)

	upper, middle, lower := out["bb_upper_20"], out["bb_middle_20"], out["bb_lower_20"]
	for i := 19; i < 40; i++ {
		assert.True(t, upper[i] >= middle[i] && middle[i] >= lower[i],
			"band ordering must hold at index %d", i)
	}
}

func TestIchimokuMidpoints(t *testing.T) {
	bars := window(60, 100)
	out, err := Compute(Spec{Kind: KindIchimoku}, bars)
	require.NoError(t, err)

	tenkan := out["ichimoku_tenkan"]
	kijun := out["ichimoku_kijun"]
	spanB := out["ichimoku_span_b"]

	assert.True(t, math.IsNaN(tenkan[7]))
	// Highs are close+1, lows close-1, closes 100+i. At index 8 the 9-bar
	// midpoint is ((108+1)+(100-1))/2 = 104.
	assert.InDelta(t, 104, tenkan[8], 1e-9)
	assert.True(t, math.IsNaN(kijun[24]))
	assert.False(t, math.IsNaN(kijun[25]))
	assert.True(t, math.IsNaN(spanB[50]))
	assert.False(t, math.IsNaN(spanB[51]))
}

func TestStochBounds(t *testing.T) {
	bars := window(50, 100)
	out, err := Compute(Spec{Kind: KindStoch}, bars)
	require.NoError(t, err)
	for _, name := range []string{"stoch_k", "stoch_d"} {
		for i, v := range out[name] {
			if math.IsNaN(v) {
				continue
			}
			assert.True(t, v >= 0 && v <= 100, "%s[%d]=%v out of [0,100]", name, i, v)
		}
	}
}

func TestComputeAllMergesAndRejectsDuplicates(t *testing.T) {
	bars := window(60, 100)
	specs := []Spec{
		{Kind: KindSMA, Period: 20},
		{Kind: KindEMA, Period: 20},
		{Kind: KindMACD},
	}
	out, err := ComputeAll(specs, bars)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.ElementsMatch(t, []string{"ema_20", "macd", "macd_hist", "macd_signal", "sma_20"}, Labels(out))

	_, err = ComputeAll([]Spec{{Kind: KindSMA}, {Kind: KindSMA}}, bars)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestComputeRejectsEmptyWindowAndUnknownKind(t *testing.T) {
	_, err := Compute(Spec{Kind: KindSMA}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = Compute(Spec{Kind: "vortex"}, window(10, 100))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestParamsHashStableAndSensitive(t *testing.T) {
	a := Spec{Kind: KindSMA, Period: 20}.ParamsHash()
	b := Spec{Kind: KindSMA}.ParamsHash() // defaults to 20
	c := Spec{Kind: KindSMA, Period: 50}.ParamsHash()

	assert.Equal(t, a, b, "defaulted and explicit params must hash identically")
	assert.NotEqual(t, a, c)
}

func TestDeterminism(t *testing.T) {
	bars := window(60, 100)
	first, err := Compute(Spec{Kind: KindCCI}, bars)
	require.NoError(t, err)
	second, err := Compute(Spec{Kind: KindCCI}, bars)
	require.NoError(t, err)

	for name, values := range first {
		for i, v := range values {
			other := second[name][i]
			if math.IsNaN(v) {
				assert.True(t, math.IsNaN(other))
				continue
			}
			assert.Equal(t, v, other)
		}
	}
}
