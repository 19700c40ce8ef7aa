// Package chunks stores finished per-source bars grouped into size-bounded,
// time-ordered chunks.
//
// Exactly one chunk is active (still receiving appended bars) at a time; the
// rest are sealed. Chunk selection for display is a pure function of the
// requested visible range, with a small lookback so bars just outside the
// viewport remain available to series that need lag.
package chunks

import (
	"barstream/internal/model"
)

// Lookback is the number of bucket widths pulled in ahead of the visible
// range start during selection.
const Lookback = 4

// DefaultMaxBars caps the bar count of one chunk unless configured otherwise.
const DefaultMaxBars = 500

// Chunk is an ordered run of finished source bars spanning [From, To].
type Chunk struct {
	Bars     []model.SourceBar // Finished bars in append order
	From     int64             // First bucket timestamp, inclusive
	To       int64             // Last bucket timestamp, inclusive
	Active   bool              // Still receiving appended bars
	Rendered bool              // Currently selected for display
}

// Cache holds chunks in arrival order. Total retained bar count is unbounded
// by design; eviction is an external concern.
type Cache struct {
	chunks  []*Chunk
	maxBars int
}

// NewCache creates a cache whose chunks hold at most maxBars bars each. A
// non-positive cap falls back to DefaultMaxBars.
func NewCache(maxBars int) *Cache {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	return &Cache{maxBars: maxBars}
}

// SaveChunk seals the current active chunk and appends a fresh one, returning
// it as the new active chunk.
func (c *Cache) SaveChunk() *Chunk {
	if active := c.activeChunk(); active != nil {
		active.Active = false
	}
	chunk := &Chunk{Active: true, From: -1, To: -1}
	c.chunks = append(c.chunks, chunk)
	return chunk
}

// activeChunk returns the chunk currently receiving bars, or nil.
func (c *Cache) activeChunk() *Chunk {
	if len(c.chunks) == 0 {
		return nil
	}
	last := c.chunks[len(c.chunks)-1]
	if !last.Active {
		return nil
	}
	return last
}

// Append stores one finished bar. A new chunk is opened first when no active
// chunk exists, or when the active chunk has reached the bar-count cap and
// the bar starts a new bucket. Bars of the bucket already at the high-water
// mark always land in the current chunk, which keeps chunk ranges disjoint.
func (c *Cache) Append(bar model.SourceBar) {
	active := c.activeChunk()
	if active == nil || (len(active.Bars) >= c.maxBars && bar.Timestamp > active.To) {
		active = c.SaveChunk()
	}

	active.Bars = append(active.Bars, bar)
	if active.From < 0 {
		active.From = bar.Timestamp
	}
	if bar.Timestamp > active.To {
		active.To = bar.Timestamp
	}
}

// Chunks returns all chunks in arrival order.
func (c *Cache) Chunks() []*Chunk {
	return c.chunks
}

// HighWaterMark returns the last chunk's To, or -1 when the cache is empty.
func (c *Cache) HighWaterMark() int64 {
	if len(c.chunks) == 0 {
		return -1
	}
	return c.chunks[len(c.chunks)-1].To
}

// Select picks the chunks needed to render a visible range starting at
// rangeStart with the given bucket width: every chunk whose To lies past
// rangeStart minus the lookback margin. Selected chunks are flagged rendered,
// all others cleared.
func (c *Cache) Select(rangeStart, bucketWidth int64) []*Chunk {
	cutoff := rangeStart - Lookback*bucketWidth
	selected := make([]*Chunk, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		chunk.Rendered = chunk.To > cutoff
		if chunk.Rendered {
			selected = append(selected, chunk)
		}
	}
	return selected
}

// Flatten concatenates the chunks' bars in time order into the flat sequence
// fed to recomputation.
func Flatten(selected []*Chunk) []model.SourceBar {
	var total int
	for _, chunk := range selected {
		total += len(chunk.Bars)
	}
	flat := make([]model.SourceBar, 0, total)
	for _, chunk := range selected {
		flat = append(flat, chunk.Bars...)
	}
	return flat
}

// Clear discards all chunks.
func (c *Cache) Clear() {
	c.chunks = nil
}
