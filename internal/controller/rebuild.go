package controller

import (
	"barstream/internal/bars"
	"barstream/internal/chunks"
	"barstream/internal/model"
)

// Rebuild replays archived bars through a throwaway renderer and issues a
// full data replace for every affected series. It is triggered by a visible
// range change, a source activation toggle, or a series edit. When subset
// series are given, the replay is restricted to them plus their transitive
// references; otherwise every bound series is rebuilt.
//
// rangeStart selects chunks per the cache's lookback rule; 0 selects all.
func (c *Controller) Rebuild(rangeStart int64, subset ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.rebuildLocked(rangeStart, subset)
}

func (c *Controller) rebuildLocked(rangeStart int64, subset []string) {
	var subsetSet map[string]bool
	if len(subset) > 0 {
		subsetSet = make(map[string]bool, len(subset))
		for _, id := range subset {
			subsetSet[id] = true
		}
	}
	ordered := c.topoOrderLocked(subsetSet)
	if len(ordered) == 0 {
		return
	}

	selected := c.cache.Select(rangeStart, c.live.Width())
	flat := chunks.Flatten(selected)

	// Replay renderer with fresh instruction state per series; live state is
	// never aliased.
	replay := bars.NewRenderer(c.cfg.BucketWidth)
	for _, id := range ordered {
		b := c.series[id]
		replay.BindState(id, b.serie.Model.NewState(b.serie.Options))
	}

	points := make(map[string][]model.Point, len(ordered))
	failed := make(map[string]bool)

	closeBucket := func() {
		if replay.Timestamp() < 0 || replay.Combined().Empty {
			return
		}
		for _, id := range ordered {
			if failed[id] {
				continue
			}
			b := c.series[id]
			result, evalErr := c.evaluateLocked(b, replay)
			if evalErr != nil {
				// Runtime failure during replay unbinds the series exactly
				// like a live failure; its partial points are discarded.
				failed[id] = true
				c.unbindLocked(id)
				c.emitError(id, evalErr.Message)
				continue
			}
			points[id] = append(points[id], b.serie.Point(replay.Timestamp(), result))
		}
		for _, id := range ordered {
			if failed[id] {
				continue
			}
			if state := replay.State(id); state != nil {
				state.Advance()
			}
		}
	}

	for _, bar := range flat {
		if replay.Timestamp() < 0 {
			replay.Seek(bar.Timestamp)
		} else if bar.Timestamp > replay.Timestamp() {
			closeBucket()
			replay.Advance(bar.Timestamp)
		}
		replay.PlaceBar(bar, c.active[bar.Source])
	}
	closeBucket()

	// The throwaway's trailing state becomes live state only when the replay
	// covered every closed bucket, i.e. its tail reached the cache's
	// high-water mark. Empty buckets never advance instruction state, so a
	// multi-bucket trade gap between the newest closed bucket and the live one
	// does not break adjacency. A viewport-limited replay leaves live state
	// alone.
	adjacent := replay.Timestamp() >= 0 &&
		c.live.Timestamp() > replay.Timestamp() &&
		replay.Timestamp() == c.cache.HighWaterMark() &&
		len(selected) > 0 && selected[len(selected)-1] == c.lastChunkLocked()
	if adjacent {
		replay.Advance(c.live.Timestamp())
		for _, id := range ordered {
			if failed[id] {
				continue
			}
			c.live.BindState(id, replay.State(id))
		}
	}

	for _, id := range ordered {
		if failed[id] {
			continue
		}
		c.sink.ReplaceAll(id, points[id])
	}

	c.suppressRedrawLocked()

	c.log.Debug().
		Int("series", len(ordered)).
		Int("bars", len(flat)).
		Bool("adjacent", adjacent).
		Msg("rebuild complete")
}

// lastChunkLocked returns the cache's newest chunk, or nil.
func (c *Controller) lastChunkLocked() *chunks.Chunk {
	all := c.cache.Chunks()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// OnVisibleRangeChange rebuilds for a new visible range unless a just-issued
// data replace is still suppressing display-driven redraws. The suppression
// flag avoids feedback loops, not correctness problems.
func (c *Controller) OnVisibleRangeChange(rangeStart int64) {
	c.mu.Lock()
	if c.closed || c.suppressed {
		c.mu.Unlock()
		return
	}
	c.rebuildLocked(rangeStart, nil)
	c.mu.Unlock()
}

// suppressRedrawLocked raises the suppression flag and schedules its
// self-clearing task.
func (c *Controller) suppressRedrawLocked() {
	if c.cfg.RedrawSuppress <= 0 {
		return
	}
	c.suppressed = true
	if c.redrawTask != nil {
		c.redrawTask.Cancel()
	}
	c.redrawTask = c.clock.After(c.cfg.RedrawSuppress, func() {
		c.mu.Lock()
		c.suppressed = false
		c.mu.Unlock()
	})
}
