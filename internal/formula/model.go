package formula

import (
	"barstream/internal/model"
)

// InstrKind tags the variant of a stateful instruction.
type InstrKind int

const (
	// InstrAverage holds a bounded queue of recent inputs, a running sum and
	// a count, and outputs the rolling mean over its window.
	InstrAverage InstrKind = iota

	// InstrSum is queue-backed like InstrAverage but outputs the rolling sum.
	InstrSum

	// InstrOHLC carries close -> {open, high, low} across bucket boundaries.
	InstrOHLC

	// InstrArray holds a bounded front-inserted history used for lag/offset
	// and windowed extremum access.
	InstrArray
)

// InstrSpec describes one stateful instruction a compiled formula needs: its
// variant and its constructor argument (window length).
type InstrSpec struct {
	Kind InstrKind
	Arg  ArgRef
}

// Model is the compiled form of a formula: the instruction tree, the
// inferred output kind, the ordered instruction specs, and the set of other
// series the expression references. A Model is immutable after Transpile;
// all mutable evaluation state lives in State values built from it.
type Model struct {
	Source     string           // Original formula text
	Output     string           // Rewritten (canonical) output expression
	Kind       model.OutputKind // Inferred output kind
	Functions  []InstrSpec      // Function-instruction specs, tree order
	Variables  []InstrSpec      // Variable-instruction specs, tree order
	References []string         // Other series identifiers referenced

	root node
}

// Transpile parses formula text against the bar-field grammar and function
// library. It returns a *CompileError for malformed syntax, unknown
// identifiers, or arity mismatches.
func Transpile(text string) (*Model, error) {
	return parse(text)
}

// FunctionState is the persistent cross-bucket state of one
// function-instruction (average, sum, or ohlc variants).
type FunctionState struct {
	Kind   InstrKind
	Length int    // Effective window length
	Option string // Option name the length was resolved from, if any

	// Queue-backed variants.
	Queue []float64
	Sum   float64
	Count int

	// OHLC variant.
	Carry  float64
	Opened bool

	// Last is the input evaluated for the current bucket, folded into the
	// queue or carry at the next bucket advance.
	Last    float64
	Touched bool
}

// VariableState is the persistent state of one variable-instruction: a
// bounded, front-inserted history of prior bucket values.
type VariableState struct {
	Length  int
	Option  string
	Values  []float64
	Last    float64
	Touched bool
}

// State bundles the instruction state a Renderer holds for one bound series.
// State is built fresh from the Model at bind time and never shared between
// renderers; replays clone by rebuilding.
type State struct {
	Functions []*FunctionState
	Variables []*VariableState
}

// NewState constructs fresh instruction state for this model, resolving
// option-named window arguments against the given options.
func (m *Model) NewState(options map[string]float64) *State {
	s := &State{
		Functions: make([]*FunctionState, len(m.Functions)),
		Variables: make([]*VariableState, len(m.Variables)),
	}
	for i, spec := range m.Functions {
		s.Functions[i] = &FunctionState{
			Kind:   spec.Kind,
			Length: spec.Arg.Resolve(options),
			Option: spec.Arg.Option,
		}
	}
	for i, spec := range m.Variables {
		s.Variables[i] = &VariableState{
			Length: spec.Arg.Resolve(options),
			Option: spec.Arg.Option,
		}
	}
	return s
}

// UpdateInstructionsArgument re-resolves every instruction whose window
// length is bound to a series option, so an option change takes effect
// without recompiling the expression. Shrinking a window trims the oldest
// entries immediately.
func UpdateInstructionsArgument(s *State, options map[string]float64) {
	for _, fn := range s.Functions {
		if fn.Option == "" {
			continue
		}
		fn.Length = (ArgRef{Option: fn.Option, Literal: fn.Length}).Resolve(options)
		fn.trim()
	}
	for _, v := range s.Variables {
		if v.Option == "" {
			continue
		}
		v.Length = (ArgRef{Option: v.Option, Literal: v.Length}).Resolve(options)
		if len(v.Values) > v.Length {
			v.Values = v.Values[:v.Length]
		}
	}
}

// trim evicts queue entries beyond the configured window length.
func (f *FunctionState) trim() {
	for len(f.Queue) > f.Length {
		f.Sum -= f.Queue[0]
		f.Queue = f.Queue[1:]
		f.Count--
	}
}

// Advance applies the bucket-advance state transition to every instruction
// that was evaluated in the bucket that just closed. Callers invoke it once
// per closed bucket, before the next bucket starts accumulating, and only
// when the closed bucket had data.
func (s *State) Advance() {
	for _, fn := range s.Functions {
		if !fn.Touched {
			continue
		}
		fn.Touched = false
		switch fn.Kind {
		case InstrAverage, InstrSum:
			fn.Queue = append(fn.Queue, fn.Last)
			fn.Sum += fn.Last
			fn.Count++
			fn.trim()
		case InstrOHLC:
			fn.Carry = fn.Last
			fn.Opened = true
		}
	}
	for _, v := range s.Variables {
		if !v.Touched {
			continue
		}
		v.Touched = false
		v.Values = append([]float64{v.Last}, v.Values...)
		if len(v.Values) > v.Length {
			v.Values = v.Values[:v.Length]
		}
	}
}
