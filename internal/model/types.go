// Package model defines core data types for the bar aggregation service.
//
// This package contains the fundamental data structures used throughout the
// system for representing trade events, per-source and combined aggregate
// bars, and the point shapes emitted to render sinks. All monetary fields use
// decimal.Decimal for precise financial calculations; series outputs use
// float64 because derived statistics are approximate by nature and a NaN
// result is the defined failure signal for a broken formula.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side indicates the aggressor side of a trade.
type Side int

const (
	// Buy marks a trade where the aggressor bought.
	Buy Side = iota

	// Sell marks a trade where the aggressor sold.
	Sell
)

// String returns the lowercase side name used in logs and wire messages.
func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// SourceID identifies one exchange/instrument pair, formatted
// "EXCHANGE:INSTRUMENT" (e.g. "BINANCE:BTCUSDT").
type SourceID string

// NewSourceID builds a SourceID from its two components.
func NewSourceID(exchange, instrument string) SourceID {
	return SourceID(fmt.Sprintf("%s:%s", exchange, instrument))
}

// Trade represents one normalized trade execution delivered by the transport
// layer. It serves as the sole input of the aggregation pipeline and is
// immutable once received.
type Trade struct {
	Exchange    string          // Exchange identifier (e.g. "BINANCE")
	Instrument  string          // Instrument identifier (e.g. "BTCUSDT")
	Price       decimal.Decimal // Execution price (precise decimal)
	Size        decimal.Decimal // Executed size in base units (precise decimal)
	Side        Side            // Aggressor side
	Liquidation bool            // True when the trade is a forced liquidation
	Timestamp   int64           // Execution time in Unix milliseconds
}

// Source returns the trade's source identifier.
func (t Trade) Source() SourceID {
	return NewSourceID(t.Exchange, t.Instrument)
}

// SourceBar is one source's contribution to a time bucket.
//
// A SourceBar is mutated in place while its bucket is current and frozen via
// Clone once the bucket closes. The Empty flag is true iff no trade has
// touched the bar since its last reset; empty bars contribute nothing to the
// CombinedBar and are never persisted to the chunk cache.
type SourceBar struct {
	Source    SourceID        // Owning exchange/instrument
	Timestamp int64           // Bucket start in Unix milliseconds
	Open      decimal.Decimal // Opening price, carried from the prior bucket's close
	High      decimal.Decimal // Highest traded price in the bucket
	Low       decimal.Decimal // Lowest traded price in the bucket
	Close     decimal.Decimal // Last traded price in the bucket
	VBuy      decimal.Decimal // Buy volume in quote units (price times size)
	VSell     decimal.Decimal // Sell volume in quote units
	CBuy      int64           // Buy trade count
	CSell     int64           // Sell trade count
	LBuy      decimal.Decimal // Buy liquidation volume in quote units
	LSell     decimal.Decimal // Sell liquidation volume in quote units
	Empty     bool            // True until a trade touches the bar
}

// Clone returns a frozen copy of the bar. Decimal values are immutable so a
// shallow copy is a deep copy.
func (b *SourceBar) Clone() SourceBar {
	return *b
}

// Reset prepares the bar for a new bucket, carrying the previous close
// forward as the new open/high/low/close so price is continuous across
// buckets, and zeroing all volumes and counts.
func (b *SourceBar) Reset(timestamp int64) {
	b.Timestamp = timestamp
	b.Open = b.Close
	b.High = b.Close
	b.Low = b.Close
	b.VBuy = decimal.Zero
	b.VSell = decimal.Zero
	b.CBuy = 0
	b.CSell = 0
	b.LBuy = decimal.Zero
	b.LSell = decimal.Zero
	b.Empty = true
}

// CombinedBar is the sum, across all active sources, of the volume, count and
// liquidation fields for one bucket. Activity is a view-time filter: raw
// per-source bars are always retained, so toggling the active-source set only
// requires recombination, never re-ingestion of raw trades.
type CombinedBar struct {
	Timestamp int64           // Bucket start in Unix milliseconds
	VBuy      decimal.Decimal // Buy quote volume over active sources
	VSell     decimal.Decimal // Sell quote volume over active sources
	CBuy      int64           // Buy trade count over active sources
	CSell     int64           // Sell trade count over active sources
	LBuy      decimal.Decimal // Buy liquidation quote volume over active sources
	LSell     decimal.Decimal // Sell liquidation quote volume over active sources
	Empty     bool            // True iff no active source traded this bucket
}

// Reset clears the combined bar for a new bucket.
func (b *CombinedBar) Reset(timestamp int64) {
	*b = CombinedBar{Timestamp: timestamp, Empty: true}
}

// OutputKind classifies the shape a series adapter produces.
type OutputKind int

const (
	// KindValue is a single numeric output per bucket.
	KindValue OutputKind = iota

	// KindOHLC is a four-field open/high/low/close output per bucket.
	KindOHLC
)

// String returns the lowercase kind name.
func (k OutputKind) String() string {
	if k == KindOHLC {
		return "ohlc"
	}
	return "value"
}

// OHLC is the four-field output of an ohlc-kind series adapter. Values are
// float64: derived series operate in floating point so NaN is representable.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Point is one render-sink data point. Exactly one of Value or OHLC is
// meaningful, per the owning series' output kind. Value is always emitted on
// the wire: zero is a legitimate output and must stay distinguishable from an
// absent value.
type Point struct {
	Time  int64   `json:"time"`           // Bucket start in Unix milliseconds
	Value float64 `json:"value"`          // Set for value-kind series
	OHLC  *OHLC   `json:"ohlc,omitempty"` // Set for ohlc-kind series
}

// ValuePoint builds a value-kind point.
func ValuePoint(time int64, value float64) Point {
	return Point{Time: time, Value: value}
}

// OHLCPoint builds an ohlc-kind point.
func OHLCPoint(time int64, o OHLC) Point {
	return Point{Time: time, OHLC: &o}
}
