package bars

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstream/internal/model"
)

func trade(exchange, instrument string, price, size float64, side model.Side, ts int64) model.Trade {
	return model.Trade{
		Exchange:   exchange,
		Instrument: instrument,
		Price:      decimal.NewFromFloat(price),
		Size:       decimal.NewFromFloat(size),
		Side:       side,
		Timestamp:  ts,
	}
}

// Two sources, one inactive, a bucket boundary crossing. The inactive source
// keeps a full sub-bar but never touches the combined bar.
func Test_Renderer_TwoSourceBucketScenario(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 100, 1, model.Buy, 0), true))
	require.True(t, r.Fold(trade("BYBIT", "BTCUSDT", 102, 2, model.Sell, 10_000), false))

	assert.Equal(t, int64(0), r.Timestamp())
	assert.False(t, r.NeedsAdvance(59_999))
	assert.True(t, r.NeedsAdvance(65_000))

	// Combined counts only the active source; volume is quote units, so the
	// size-1 buy at 100 contributes 100.
	combined := r.Combined()
	assert.True(t, combined.VBuy.Equal(decimal.NewFromInt(100)))
	assert.True(t, combined.VSell.IsZero())
	assert.Equal(t, int64(1), combined.CBuy)
	assert.Equal(t, int64(0), combined.CSell)
	assert.False(t, combined.Empty)

	// Both sub-bars exist with full detail.
	a := r.Source(model.SourceID("BINANCE:BTCUSDT"))
	require.NotNil(t, a)
	assert.True(t, a.Close.Equal(decimal.NewFromInt(100)))
	b := r.Source(model.SourceID("BYBIT:BTCUSDT"))
	require.NotNil(t, b)
	assert.True(t, b.VSell.Equal(decimal.NewFromInt(204)), "2 sold at 102 is 204 quote")

	// Cross into the next bucket.
	closed := r.Advance(60_000)
	require.NotNil(t, closed)
	assert.Equal(t, int64(0), closed.Timestamp)
	assert.True(t, closed.HasData)
	require.Len(t, closed.Bars, 2, "both non-empty sub-bars persist")
	assert.Equal(t, model.SourceID("BINANCE:BTCUSDT"), closed.Bars[0].Source)
	assert.Equal(t, model.SourceID("BYBIT:BTCUSDT"), closed.Bars[1].Source)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 101, 1, model.Buy, 65_000), true))
	assert.Equal(t, int64(60_000), r.Timestamp())

	// The new sub-bar opens on the previous close.
	a = r.Source(model.SourceID("BINANCE:BTCUSDT"))
	assert.True(t, a.Open.Equal(decimal.NewFromInt(100)), "open carries the prior close")
	assert.True(t, a.Close.Equal(decimal.NewFromInt(101)))
	assert.True(t, a.VBuy.Equal(decimal.NewFromInt(101)), "volumes start fresh")
}

// Volume is quote-denominated: a size-1 buy at price 100 adds 100, not 1.
func Test_Renderer_VolumeIsQuoteUnits(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 100, 1, model.Buy, 0), true))
	assert.True(t, r.Combined().VBuy.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(1), r.Combined().CBuy)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 50, 0.5, model.Sell, 1_000), true))
	assert.True(t, r.Combined().VSell.Equal(decimal.NewFromInt(25)))
}

func Test_Renderer_StaleTradeDropped(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 100, 1, model.Buy, 65_000), true))
	assert.Equal(t, int64(60_000), r.Timestamp())

	// A trade from the already-closed bucket is ignored.
	assert.False(t, r.Fold(trade("BINANCE", "BTCUSDT", 99, 1, model.Buy, 30_000), true))
	assert.True(t, r.Combined().VBuy.Equal(decimal.NewFromInt(100)))
}

func Test_Renderer_LiquidationsNeverMovePrice(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BITMEX", "XBTUSD", 100, 1, model.Buy, 0), true))

	liq := trade("BITMEX", "XBTUSD", 90, 5, model.Sell, 1_000)
	liq.Liquidation = true
	require.True(t, r.Fold(liq, true))

	bar := r.Source(model.SourceID("BITMEX:XBTUSD"))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(100)), "liquidation price must not print")
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(100)))
	assert.True(t, bar.LSell.Equal(decimal.NewFromInt(450)), "5 liquidated at 90 is 450 quote")
	assert.True(t, bar.VSell.IsZero(), "liquidation volume counts separately from trade volume")
	assert.True(t, r.Combined().LSell.Equal(decimal.NewFromInt(450)))
}

func Test_Renderer_EmptyBucketProducesNoBars(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 100, 1, model.Buy, 0), true))
	first := r.Advance(60_000)
	require.True(t, first.HasData)

	// Nothing traded in bucket 60_000.
	second := r.Advance(120_000)
	assert.False(t, second.HasData)
	assert.Empty(t, second.Bars, "carried-forward bars are empty and must not persist")
}

func Test_Renderer_ClosedBarsAreClones(t *testing.T) {
	r := NewRenderer(time.Minute)

	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 100, 1, model.Buy, 0), true))
	closed := r.Advance(60_000)
	require.Len(t, closed.Bars, 1)

	// Mutating the live bar after the close must not corrupt history.
	require.True(t, r.Fold(trade("BINANCE", "BTCUSDT", 200, 3, model.Buy, 61_000), true))
	assert.True(t, closed.Bars[0].Close.Equal(decimal.NewFromInt(100)))
	assert.True(t, closed.Bars[0].VBuy.Equal(decimal.NewFromInt(100)))
}

func Test_Renderer_PlaceBarReplay(t *testing.T) {
	r := NewRenderer(time.Minute)
	r.Seek(0)

	bar := model.SourceBar{
		Source:    model.SourceID("BINANCE:BTCUSDT"),
		Timestamp: 0,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(105),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(104),
		VBuy:      decimal.NewFromInt(3),
		VSell:     decimal.NewFromInt(1),
		CBuy:      2,
		CSell:     1,
	}
	r.PlaceBar(bar, true)

	combined := r.Combined()
	assert.True(t, combined.VBuy.Equal(decimal.NewFromInt(3)))
	assert.True(t, combined.VSell.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int64(2), combined.CBuy)
	assert.False(t, combined.Empty)

	// Inactive placement keeps the sub-bar but leaves combined untouched.
	other := bar
	other.Source = model.SourceID("BYBIT:BTCUSDT")
	r.PlaceBar(other, false)
	assert.True(t, r.Combined().VBuy.Equal(decimal.NewFromInt(3)))
	assert.NotNil(t, r.Source(model.SourceID("BYBIT:BTCUSDT")))
}

func Test_Renderer_SeriesStateAndOutputs(t *testing.T) {
	r := NewRenderer(time.Minute)

	r.SetSeriesOutput("delta", 42)
	v, found := r.SeriesOutput("delta")
	assert.True(t, found)
	assert.Equal(t, 42.0, v)

	r.UnbindState("delta")
	_, found = r.SeriesOutput("delta")
	assert.False(t, found, "unbinding discards the cached output")
	assert.Nil(t, r.State("delta"))
}
