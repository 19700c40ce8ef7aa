// Package controller orchestrates the aggregation pipeline: it queues trade
// batches, drives the live renderer across bucket boundaries, persists
// finished bars into the chunk cache, re-evaluates bound series through their
// adapters, and decides between incremental appends and full rebuilds.
//
// The concurrency model is single-threaded and cooperative: batches are
// queued from any goroutine, but all aggregation happens inside the periodic
// drain task, which runs to completion before yielding. The live renderer
// and the chunk cache are exclusively owned by the controller; replay
// renderers are local to one rebuild call and never escape it.
package controller

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"barstream/internal/bars"
	"barstream/internal/chunks"
	"barstream/internal/formula"
	"barstream/internal/metrics"
	"barstream/internal/model"
	"barstream/internal/sched"
	"barstream/internal/series"
	"barstream/internal/window"
)

// RenderSink receives computed points. ReplaceAll is used after a rebuild or
// range change, AppendLast on live bucket close.
type RenderSink interface {
	ReplaceAll(seriesID string, points []model.Point)
	AppendLast(seriesID string, point model.Point)
}

// ValidationError is emitted on the error channel when a series fails to
// compile or produces a non-numeric result at runtime.
type ValidationError struct {
	SeriesID string
	Message  string
}

// Config holds the controller's construction-time settings. Changes arrive
// as discrete events through the controller's methods, never through shared
// mutable configuration.
type Config struct {
	BucketWidth        time.Duration // Width of one aggregation bucket
	DrainInterval      time.Duration // Period of the queue drain task
	ChunkMaxBars       int           // Bar-count cap per chunk
	CounterWindow      time.Duration // Trailing window of the flow counters
	CounterGranularity time.Duration // Slot span of the flow counters
	RedrawSuppress     time.Duration // How long a data replace mutes range-change redraws
}

// binding is one series bound to the live renderer.
type binding struct {
	serie *series.Serie
	bound bool
}

// Controller owns the live renderer, the chunk cache, and the set of bound
// series.
type Controller struct {
	cfg   Config
	clock sched.Clock
	sink  RenderSink
	log   zerolog.Logger
	lib   *formula.Library

	mu         sync.Mutex
	live       *bars.Renderer
	cache      *chunks.Cache
	series     map[string]*binding
	order      []string // Series insertion order, base of the topological order
	active     map[model.SourceID]bool
	queue      [][]model.Trade
	buyFlow    *window.Counter
	sellFlow   *window.Counter
	drainTask  sched.Task
	redrawTask sched.Task
	suppressed bool
	closed     bool

	errCh chan ValidationError
}

// New creates a controller and starts its drain task on the given clock.
func New(cfg Config, clock sched.Clock, sink RenderSink, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		clock:  clock,
		sink:   sink,
		log:    log,
		lib:    formula.NewLibrary(),
		live:   bars.NewRenderer(cfg.BucketWidth),
		cache:  chunks.NewCache(cfg.ChunkMaxBars),
		series: make(map[string]*binding),
		active: make(map[model.SourceID]bool),
		errCh:  make(chan ValidationError, 64),
	}
	counterCfg := func(side model.Side) window.Config {
		return window.Config{
			Window:      cfg.CounterWindow,
			Granularity: cfg.CounterGranularity,
			Project: func(snapshot any) float64 {
				t, isTrade := snapshot.(model.Trade)
				if !isTrade || t.Side != side {
					return 0
				}
				// Same quote unit as the bars' volume fields.
				return t.Price.Mul(t.Size).InexactFloat64()
			},
		}
	}
	c.buyFlow = window.NewCounter(counterCfg(model.Buy), clock)
	c.sellFlow = window.NewCounter(counterCfg(model.Sell), clock)
	c.drainTask = clock.Every(cfg.DrainInterval, c.Drain)
	return c
}

// Errors returns the validation error channel.
func (c *Controller) Errors() <-chan ValidationError {
	return c.errCh
}

// emitError surfaces a validation error without ever blocking aggregation.
func (c *Controller) emitError(seriesID, message string) {
	metrics.SeriesErrors.WithLabelValues(seriesID).Inc()
	select {
	case c.errCh <- ValidationError{SeriesID: seriesID, Message: message}:
	default:
		c.log.Warn().Str("series", seriesID).Msg("validation error channel full, dropping")
	}
}

// SetSourceActive toggles whether a source counts toward combined bars and
// issues a full rebuild over the retained raw bars. Raw per-source data is
// always kept, so no trades are re-ingested.
func (c *Controller) SetSourceActive(id model.SourceID, active bool) {
	c.mu.Lock()
	if c.active[id] == active {
		c.mu.Unlock()
		return
	}
	c.active[id] = active
	c.mu.Unlock()
	c.Rebuild(0)
}

// ActiveSources returns a copy of the active-source set.
func (c *Controller) ActiveSources() map[model.SourceID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.SourceID]bool, len(c.active))
	for id, a := range c.active {
		out[id] = a
	}
	return out
}

// AddSerie compiles and binds a new series. A ConfigurationError (unknown
// visual type) or CompileError is fatal only to this call; the failure is
// also surfaced on the validation error channel and the series stays absent.
func (c *Controller) AddSerie(id, visual, formulaText string, options map[string]float64) error {
	s, err := series.New(id, visual, formulaText, options)
	if err != nil {
		c.emitError(id, err.Error())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.series[id]; !exists {
		c.order = append(c.order, id)
	}
	b := &binding{serie: s}
	c.series[id] = b

	if err := c.checkReferencesLocked(id, s.Model.References); err != nil {
		delete(c.series, id)
		c.order = removeID(c.order, id)
		c.emitError(id, err.Error())
		return err
	}

	c.bindLocked(b)
	return nil
}

// checkReferencesLocked rejects unresolvable or circular reference sets. A
// cyclic reference is a configuration error, not handled automatically.
func (c *Controller) checkReferencesLocked(id string, refs []string) error {
	seen := map[string]bool{id: true}
	stack := append([]string(nil), refs...)
	for len(stack) > 0 {
		ref := stack[0]
		stack = stack[1:]
		if ref == id {
			return &formula.CompileError{Message: "circular series reference involving " + id}
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if dep, found := c.series[ref]; found {
			stack = append(stack, dep.serie.Model.References...)
		}
	}
	return nil
}

// bindLocked clones fresh instruction state into the live renderer. Series
// with broken models never reach here; disabled series are skipped.
func (c *Controller) bindLocked(b *binding) {
	if !b.serie.Enabled {
		return
	}
	c.live.BindState(b.serie.ID, b.serie.Model.NewState(b.serie.Options))
	b.bound = true
}

// unbindLocked removes a series' state from the live renderer.
func (c *Controller) unbindLocked(id string) {
	c.live.UnbindState(id)
	if b, found := c.series[id]; found {
		b.bound = false
	}
}

// RemoveSerie drops a series entirely.
func (c *Controller) RemoveSerie(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbindLocked(id)
	delete(c.series, id)
	c.order = removeID(c.order, id)
}

// EnableSerie attaches or detaches a series without losing its
// configuration. Re-enabling clones fresh instruction state.
func (c *Controller) EnableSerie(id string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, found := c.series[id]
	if !found {
		return
	}
	b.serie.Enabled = enabled
	if enabled {
		c.bindLocked(b)
	} else {
		c.unbindLocked(id)
	}
}

// RetrySerie rebinds a series that was unbound after a runtime error. This
// is the explicit retry path; nothing rebinds automatically.
func (c *Controller) RetrySerie(id string) {
	c.mu.Lock()
	b, found := c.series[id]
	if !found || !b.serie.Enabled {
		c.mu.Unlock()
		return
	}
	c.bindLocked(b)
	c.mu.Unlock()
	c.Rebuild(0, id)
}

// UpdateSerieOptions applies new numeric options, re-resolving any
// instruction whose window argument is option-bound, without recompiling.
func (c *Controller) UpdateSerieOptions(id string, options map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, found := c.series[id]
	if !found {
		return
	}
	b.serie.Options = options
	if state := c.live.State(id); state != nil {
		formula.UpdateInstructionsArgument(state, options)
	}
}

// Enqueue adds a trade batch to the drain queue. Batches fold strictly in
// arrival order; trades within a batch fold in array order.
func (c *Controller) Enqueue(batch []model.Trade) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, batch)
	}
	c.mu.Unlock()
}

// Drain folds every queued batch synchronously to completion. It is invoked
// by the periodic drain task and may be called directly in tests.
func (c *Controller) Drain() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pending := c.queue
	c.queue = nil

	for _, batch := range pending {
		for _, t := range batch {
			c.processTradeLocked(t)
		}
	}
	metrics.FlowVolume.WithLabelValues("buy").Set(c.buyFlow.Value())
	metrics.FlowVolume.WithLabelValues("sell").Set(c.sellFlow.Value())
	c.mu.Unlock()
}

// processTradeLocked folds one trade, closing the current bucket first when
// the trade crosses a boundary.
func (c *Controller) processTradeLocked(t model.Trade) {
	source := t.Source()

	if c.live.NeedsAdvance(t.Timestamp) {
		c.closeBucketLocked(c.live.BucketStart(t.Timestamp))
	}

	if !c.live.Fold(t, c.active[source]) {
		metrics.TradesDropped.WithLabelValues(string(source)).Inc()
		return
	}
	metrics.TradesTotal.WithLabelValues(string(source)).Inc()
	c.buyFlow.OnUpdate(t)
	c.sellFlow.OnUpdate(t)
}

// closeBucketLocked finalizes the current bucket: recompute bound series
// against the still-open renderer, advance instruction state, then roll the
// renderer forward and persist the frozen bars.
func (c *Controller) closeBucketLocked(newBucket int64) {
	hasData := !c.live.Combined().Empty

	if hasData {
		for _, id := range c.topoOrderLocked(nil) {
			b := c.series[id]
			result, evalErr := c.evaluateLocked(b, c.live)
			if evalErr != nil {
				c.unbindLocked(id)
				c.emitError(id, evalErr.Message)
				continue
			}
			c.sink.AppendLast(id, b.serie.Point(c.live.Timestamp(), result))
		}
		for _, id := range c.order {
			if b := c.series[id]; b.bound {
				if state := c.live.State(id); state != nil {
					state.Advance()
				}
			}
		}
	}

	closed := c.live.Advance(newBucket)
	for _, bar := range closed.Bars {
		c.cache.Append(bar)
	}
	metrics.BucketsClosed.Inc()

	c.log.Debug().
		Int64("bucket", closed.Timestamp).
		Int("bars", len(closed.Bars)).
		Bool("hasData", closed.HasData).
		Msg("bucket closed")
}

// evaluateLocked runs one series' adapter and classifies the result. A NaN
// output is the runtime failure signal: the series must be unbound so a
// single broken formula never stops global aggregation.
func (c *Controller) evaluateLocked(b *binding, r *bars.Renderer) (formula.Result, *ValidationError) {
	state := r.State(b.serie.ID)
	result := b.serie.Adapter(r, state, b.serie.Options, c.lib)

	scalar := result.Value
	if result.Kind == model.KindOHLC {
		scalar = result.OHLC.Close
		if math.IsNaN(result.OHLC.Open) || math.IsNaN(result.OHLC.High) ||
			math.IsNaN(result.OHLC.Low) || math.IsNaN(result.OHLC.Close) {
			return result, &ValidationError{SeriesID: b.serie.ID, Message: "formula produced a non-numeric result"}
		}
	} else if math.IsNaN(scalar) {
		return result, &ValidationError{SeriesID: b.serie.ID, Message: "formula produced a non-numeric result"}
	}

	r.SetSeriesOutput(b.serie.ID, scalar)
	return result, nil
}

// topoOrderLocked orders bound series so every series follows the series it
// references. When subset is non-nil the order is restricted to the subset
// plus its transitive references. Cycles are rejected at bind time, so a
// simple depth-first post-order suffices.
func (c *Controller) topoOrderLocked(subset map[string]bool) []string {
	visited := make(map[string]bool, len(c.series))
	ordered := make([]string, 0, len(c.series))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		b, found := c.series[id]
		if !found || !b.bound {
			return
		}
		for _, ref := range b.serie.Model.References {
			visit(ref)
		}
		ordered = append(ordered, id)
	}

	for _, id := range c.order {
		if subset != nil && !subset[id] {
			continue
		}
		visit(id)
	}
	return ordered
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, cand := range ids {
		if cand != id {
			out = append(out, cand)
		}
	}
	return out
}

// Close cancels the drain task, any pending redraw, and the flow counters'
// expiries, so no state mutates after teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	c.drainTask.Cancel()
	if c.redrawTask != nil {
		c.redrawTask.Cancel()
	}
	c.buyFlow.Clear()
	c.sellFlow.Clear()
}
