// Package bars implements the per-bucket accumulation unit of the service.
//
// A Renderer is the mutable aggregation context for one time bucket: the
// combined bar under construction, one sub-bar per source, and the persistent
// instruction state of every bound series. Exactly one Renderer is live at a
// time; throwaway Renderers are created to replay historical ranges without
// disturbing live state.
package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"barstream/internal/formula"
	"barstream/internal/model"
)

// Closed carries everything produced by a bucket boundary crossing: the
// finalized combined bar (when any active source traded) and frozen clones of
// every non-empty source bar, ready for chunk persistence.
type Closed struct {
	Timestamp int64             // Start of the bucket that closed
	Combined  model.CombinedBar // Final combined bar for the bucket
	HasData   bool              // False when no active source traded
	Bars      []model.SourceBar // Non-empty per-source clones, persistence order
}

// Renderer accumulates trades for the current bucket.
type Renderer struct {
	width     int64 // Bucket width in milliseconds
	timestamp int64 // Current bucket start, -1 before the first trade

	combined model.CombinedBar
	sources  map[model.SourceID]*model.SourceBar
	order    []model.SourceID // Source insertion order, keeps persistence deterministic

	// series holds per-series instruction state, cloned fresh at bind time
	// and never shared with another Renderer.
	series map[string]*formula.State

	// outputs holds each series' last computed output for cross-series
	// references within the same bucket.
	outputs map[string]float64
}

// NewRenderer creates an empty Renderer for the given bucket width.
func NewRenderer(width time.Duration) *Renderer {
	return &Renderer{
		width:     width.Milliseconds(),
		timestamp: -1,
		sources:   make(map[model.SourceID]*model.SourceBar),
		series:    make(map[string]*formula.State),
		outputs:   make(map[string]float64),
	}
}

// Width returns the bucket width in milliseconds.
func (r *Renderer) Width() int64 {
	return r.width
}

// Timestamp returns the current bucket start, or -1 before any trade.
func (r *Renderer) Timestamp() int64 {
	return r.timestamp
}

// BucketStart computes the bucket a timestamp falls into.
func (r *Renderer) BucketStart(ts int64) int64 {
	return ts / r.width * r.width
}

// Fold applies one trade to the current bucket and reports whether it was
// accepted. A trade older than the live bucket is dropped (no out-of-order
// correction); trades in the same bucket apply in arrival order.
//
// Callers detect bucket-boundary crossings with NeedsAdvance and run their
// close-of-bucket work (recomputation, instruction advance, persistence of
// the Closed result) before folding the first trade of the new bucket.
func (r *Renderer) Fold(t model.Trade, active bool) bool {
	bucket := r.BucketStart(t.Timestamp)
	if r.timestamp < 0 {
		r.Seek(bucket)
	}
	if bucket < r.timestamp {
		return false
	}

	r.fold(t, active)
	return true
}

// NeedsAdvance reports whether a trade at ts belongs to a bucket newer than
// the current one.
func (r *Renderer) NeedsAdvance(ts int64) bool {
	return r.timestamp >= 0 && r.BucketStart(ts) > r.timestamp
}

// Advance closes the current bucket and rolls every source bar forward to
// newBucket, carrying OHLC and zeroing volumes. Callers run instruction
// bucket-advance and recomputation against the returned Closed before folding
// anything into the new bucket.
func (r *Renderer) Advance(newBucket int64) *Closed {
	closed := &Closed{
		Timestamp: r.timestamp,
		Combined:  r.combined,
		HasData:   !r.combined.Empty,
	}
	for _, id := range r.order {
		bar := r.sources[id]
		if !bar.Empty {
			closed.Bars = append(closed.Bars, bar.Clone())
		}
		bar.Reset(newBucket)
	}

	r.timestamp = newBucket
	r.combined.Reset(newBucket)
	return closed
}

// fold applies the trade to its source bar and, when the source is active,
// mirrors the increments into the combined bar. Volume accumulates in quote
// units: price times size.
func (r *Renderer) fold(t model.Trade, active bool) {
	source := t.Source()
	bar, found := r.sources[source]
	if !found {
		bar = &model.SourceBar{
			Source:    source,
			Timestamp: r.timestamp,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			Close:     t.Price,
			Empty:     true,
		}
		r.sources[source] = bar
		r.order = append(r.order, source)
	}

	quote := t.Price.Mul(t.Size)
	if t.Liquidation {
		// Liquidations count volume only and never move price.
		if t.Side == model.Buy {
			bar.LBuy = bar.LBuy.Add(quote)
		} else {
			bar.LSell = bar.LSell.Add(quote)
		}
	} else {
		if t.Price.GreaterThan(bar.High) {
			bar.High = t.Price
		}
		if t.Price.LessThan(bar.Low) {
			bar.Low = t.Price
		}
		bar.Close = t.Price
		if t.Side == model.Buy {
			bar.VBuy = bar.VBuy.Add(quote)
			bar.CBuy++
		} else {
			bar.VSell = bar.VSell.Add(quote)
			bar.CSell++
		}
	}
	bar.Empty = false

	if active {
		r.mirror(t, quote)
	}
}

// mirror applies a trade's quote-volume increments to the combined bar.
func (r *Renderer) mirror(t model.Trade, quote decimal.Decimal) {
	if t.Liquidation {
		if t.Side == model.Buy {
			r.combined.LBuy = r.combined.LBuy.Add(quote)
		} else {
			r.combined.LSell = r.combined.LSell.Add(quote)
		}
	} else if t.Side == model.Buy {
		r.combined.VBuy = r.combined.VBuy.Add(quote)
		r.combined.CBuy++
	} else {
		r.combined.VSell = r.combined.VSell.Add(quote)
		r.combined.CSell++
	}
	r.combined.Empty = false
}

// PlaceBar injects a finished source bar during historical replay. The
// Renderer must already be positioned on the bar's bucket; sums mirror into
// the combined bar when the source is active.
func (r *Renderer) PlaceBar(bar model.SourceBar, active bool) {
	copied := bar
	if _, found := r.sources[bar.Source]; !found {
		r.order = append(r.order, bar.Source)
	}
	r.sources[bar.Source] = &copied

	if active && !bar.Empty {
		r.combined.VBuy = r.combined.VBuy.Add(bar.VBuy)
		r.combined.VSell = r.combined.VSell.Add(bar.VSell)
		r.combined.CBuy += bar.CBuy
		r.combined.CSell += bar.CSell
		r.combined.LBuy = r.combined.LBuy.Add(bar.LBuy)
		r.combined.LSell = r.combined.LSell.Add(bar.LSell)
		r.combined.Empty = false
	}
}

// Seek positions an empty Renderer on a bucket during replay.
func (r *Renderer) Seek(bucket int64) {
	r.timestamp = bucket
	r.combined.Reset(bucket)
}

// Combined returns the combined bar under construction.
func (r *Renderer) Combined() *model.CombinedBar {
	return &r.combined
}

// Source returns one source's bar for the current bucket, or nil when the
// source has not traded yet.
func (r *Renderer) Source(id model.SourceID) *model.SourceBar {
	return r.sources[id]
}

// EachSource visits every source bar in insertion order.
func (r *Renderer) EachSource(fn func(bar *model.SourceBar)) {
	for _, id := range r.order {
		fn(r.sources[id])
	}
}

// SeriesOutput returns a previously computed series output for the current
// bucket. Dependency-ordered recomputation guarantees referenced series are
// computed first.
func (r *Renderer) SeriesOutput(id string) (float64, bool) {
	v, found := r.outputs[id]
	return v, found
}

// SetSeriesOutput records a series output for cross-series references.
func (r *Renderer) SetSeriesOutput(id string, v float64) {
	r.outputs[id] = v
}

// BindState attaches a series' freshly cloned instruction state.
func (r *Renderer) BindState(id string, state *formula.State) {
	r.series[id] = state
}

// UnbindState detaches a series' instruction state.
func (r *Renderer) UnbindState(id string) {
	delete(r.series, id)
	delete(r.outputs, id)
}

// State returns the instruction state bound for a series, or nil.
func (r *Renderer) State(id string) *formula.State {
	return r.series[id]
}
