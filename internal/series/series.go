// Package series defines user-visible derived outputs: their visual types,
// compiled formula models, and bound adapters.
//
// Visual types are a closed set of variants rather than free-form strings, so
// an unknown type is rejected at series construction instead of surfacing as
// a missing method at render time.
package series

import (
	"fmt"

	"barstream/internal/formula"
	"barstream/internal/model"
)

// Visual is the declared rendering style of a series.
type Visual int

const (
	VisualLine Visual = iota
	VisualArea
	VisualHistogram
	VisualCandlestick
	VisualBar
	VisualCustom
)

// visualNames maps wire/config names to variants.
var visualNames = map[string]Visual{
	"line":        VisualLine,
	"area":        VisualArea,
	"histogram":   VisualHistogram,
	"candlestick": VisualCandlestick,
	"bar":         VisualBar,
	"custom":      VisualCustom,
}

// String returns the config name of the visual type.
func (v Visual) String() string {
	for name, cand := range visualNames {
		if cand == v {
			return name
		}
	}
	return "unknown"
}

// NeedsOHLC reports whether the visual type requires a four-field output.
func (v Visual) NeedsOHLC() bool {
	return v == VisualCandlestick || v == VisualBar
}

// ConfigurationError describes an invalid series definition (unknown visual
// type). It is fatal only to the AddSerie call that triggered it.
type ConfigurationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return e.Message
}

// ParseVisual resolves a visual type name against the closed variant set.
func ParseVisual(name string) (Visual, error) {
	v, found := visualNames[name]
	if !found {
		return 0, &ConfigurationError{Message: fmt.Sprintf("unknown visual type %q", name)}
	}
	return v, nil
}

// Serie is one user-defined derived output: its identity, visual type, raw
// formula, resolved options, compiled model, and executable adapter. A
// disabled serie keeps its configuration but is detached from the renderer.
type Serie struct {
	ID      string
	Visual  Visual
	Formula string
	Options map[string]float64
	Enabled bool

	Model   *formula.Model
	Adapter formula.Adapter

	// Narrowed is set when an OHLC-kind output drives a scalar visual and is
	// implicitly reduced to its close value.
	Narrowed bool
}

// New builds a serie from its definition, compiling the formula and checking
// the output kind against the visual type. A ConfigurationError means the
// visual type is unknown; a *formula.CompileError means the formula itself is
// broken (malformed, unknown reference, arity mismatch, or kind conflict).
func New(id, visual, formulaText string, options map[string]float64) (*Serie, error) {
	visualType, err := ParseVisual(visual)
	if err != nil {
		return nil, err
	}

	compiled, err := formula.Transpile(formulaText)
	if err != nil {
		return nil, err
	}

	if compiled.Kind == model.KindValue && visualType.NeedsOHLC() {
		return nil, &formula.CompileError{
			Message: fmt.Sprintf("series %q: a single-value output cannot drive a %s visual", id, visualType),
		}
	}

	if options == nil {
		options = make(map[string]float64)
	}

	return &Serie{
		ID:       id,
		Visual:   visualType,
		Formula:  formulaText,
		Options:  options,
		Enabled:  true,
		Model:    compiled,
		Adapter:  compiled.Adapter(),
		Narrowed: compiled.Kind == model.KindOHLC && !visualType.NeedsOHLC() && visualType != VisualCustom,
	}, nil
}

// OutputKind returns the kind of point the serie emits after narrowing.
func (s *Serie) OutputKind() model.OutputKind {
	if s.Narrowed {
		return model.KindValue
	}
	return s.Model.Kind
}

// Point shapes one adapter result into the serie's emitted point.
func (s *Serie) Point(time int64, result formula.Result) model.Point {
	if result.Kind == model.KindOHLC {
		if s.Narrowed {
			return model.ValuePoint(time, result.OHLC.Close)
		}
		return model.OHLCPoint(time, result.OHLC)
	}
	return model.ValuePoint(time, result.Value)
}
