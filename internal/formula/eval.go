package formula

import (
	"math"

	"barstream/internal/model"
)

// BarContext is the read view of a renderer an adapter evaluates against.
// Implemented by bars.Renderer; kept as an interface here so adapters stay
// decoupled from the aggregation package.
type BarContext interface {
	// Combined returns the bucket's combined bar.
	Combined() *model.CombinedBar

	// Source returns one source's bar for the bucket, or nil.
	Source(id model.SourceID) *model.SourceBar

	// EachSource visits every source bar in insertion order.
	EachSource(fn func(bar *model.SourceBar))

	// SeriesOutput returns another series' output for the same bucket.
	SeriesOutput(id string) (float64, bool)
}

// Library carries the pure math helpers available to adapters. Passing it
// explicitly keeps adapter closures free of hidden captures.
type Library struct {
	Abs func(x float64) float64
	Min func(a, b float64) float64
	Max func(a, b float64) float64
}

// NewLibrary returns the standard helper library.
func NewLibrary() *Library {
	return &Library{Abs: math.Abs, Min: math.Min, Max: math.Max}
}

// Result is one adapter evaluation: a single value or a four-field OHLC,
// per the model's output kind.
type Result struct {
	Kind  model.OutputKind
	Value float64
	OHLC  model.OHLC
}

// Adapter evaluates a compiled model against a closed bucket. The closure is
// pure given its explicit arguments: it reads the renderer view and mutates
// only the passed state, so cloned state reproduces replays exactly.
type Adapter func(ctx BarContext, state *State, options map[string]float64, lib *Library) Result

// Adapter compiles the model's instruction tree into its executable closure.
func (m *Model) Adapter() Adapter {
	root := m.root
	kind := m.Kind
	return func(ctx BarContext, state *State, options map[string]float64, lib *Library) Result {
		if kind == model.KindOHLC {
			call := root.(*callNode)
			v := evalNode(call.args[0], ctx, state, options, lib)
			fn := state.Functions[call.slot]
			fn.Last = v
			fn.Touched = true
			return Result{Kind: model.KindOHLC, OHLC: evalOHLC(fn, v)}
		}
		return Result{Kind: model.KindValue, Value: evalNode(root, ctx, state, options, lib)}
	}
}

// evalNode walks the instruction tree for a scalar result.
func evalNode(n node, ctx BarContext, state *State, options map[string]float64, lib *Library) float64 {
	switch v := n.(type) {
	case *numberNode:
		return v.value

	case *fieldNode:
		return evalField(ctx, v.field)

	case *sourceFieldNode:
		return evalSourceField(ctx.Source(v.source), v.field)

	case *seriesRefNode:
		out, found := ctx.SeriesOutput(v.id)
		if !found {
			return math.NaN()
		}
		return out

	case *unaryNode:
		return -evalNode(v.operand, ctx, state, options, lib)

	case *binaryNode:
		left := evalNode(v.left, ctx, state, options, lib)
		right := evalNode(v.right, ctx, state, options, lib)
		return evalBinary(v.op, left, right)

	case *callNode:
		return evalCall(v, ctx, state, options, lib)
	}
	return math.NaN()
}

func evalBinary(op string, l, r float64) float64 {
	switch op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		return l / r
	case "<":
		return boolValue(l < r)
	case ">":
		return boolValue(l > r)
	case "<=":
		return boolValue(l <= r)
	case ">=":
		return boolValue(l >= r)
	case "==":
		return boolValue(l == r)
	case "!=":
		return boolValue(l != r)
	}
	return math.NaN()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// evalField resolves an own-bar field. Volume and count fields come from the
// combined bar; price fields are the mean across non-empty source bars, since
// the combined bar carries no price of its own.
func evalField(ctx BarContext, field string) float64 {
	combined := ctx.Combined()
	switch field {
	case "vbuy":
		return combined.VBuy.InexactFloat64()
	case "vsell":
		return combined.VSell.InexactFloat64()
	case "cbuy":
		return float64(combined.CBuy)
	case "csell":
		return float64(combined.CSell)
	case "lbuy":
		return combined.LBuy.InexactFloat64()
	case "lsell":
		return combined.LSell.InexactFloat64()
	case "time":
		return float64(combined.Timestamp)
	}

	var sum float64
	var n int
	ctx.EachSource(func(bar *model.SourceBar) {
		if bar.Empty {
			return
		}
		sum += evalSourceField(bar, field)
		n++
	})
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// evalSourceField resolves a field on one source bar. A missing source is
// defensively treated as zero contribution.
func evalSourceField(bar *model.SourceBar, field string) float64 {
	if bar == nil {
		return 0
	}
	switch field {
	case "open":
		return bar.Open.InexactFloat64()
	case "high":
		return bar.High.InexactFloat64()
	case "low":
		return bar.Low.InexactFloat64()
	case "close":
		return bar.Close.InexactFloat64()
	case "vbuy":
		return bar.VBuy.InexactFloat64()
	case "vsell":
		return bar.VSell.InexactFloat64()
	case "cbuy":
		return float64(bar.CBuy)
	case "csell":
		return float64(bar.CSell)
	case "lbuy":
		return bar.LBuy.InexactFloat64()
	case "lsell":
		return bar.LSell.InexactFloat64()
	case "time":
		return float64(bar.Timestamp)
	}
	return 0
}

// evalCall evaluates a library function call, folding the current input into
// the instruction's view of its window without committing it; commitment
// happens at bucket advance.
func evalCall(call *callNode, ctx BarContext, state *State, options map[string]float64, lib *Library) float64 {
	switch call.fn.class {
	case classStateless:
		a := evalNode(call.args[0], ctx, state, options, lib)
		switch call.fn.name {
		case "abs":
			return lib.Abs(a)
		case "min":
			return lib.Min(a, evalNode(call.args[1], ctx, state, options, lib))
		case "max":
			return lib.Max(a, evalNode(call.args[1], ctx, state, options, lib))
		}
		return math.NaN()

	case classAverage:
		v := evalNode(call.args[0], ctx, state, options, lib)
		fn := state.Functions[call.slot]
		fn.Last = v
		fn.Touched = true
		sum := fn.Sum + v
		n := fn.Count + 1
		if fn.Count >= fn.Length && len(fn.Queue) > 0 {
			// Window full: the oldest committed entry falls out of the
			// window the current input occupies.
			sum -= fn.Queue[0]
			n = fn.Length
		}
		if fn.Kind == InstrSum {
			return sum
		}
		return sum / float64(n)

	case classArray:
		v := evalNode(call.args[0], ctx, state, options, lib)
		varState := state.Variables[call.slot]
		varState.Last = v
		varState.Touched = true
		return evalArray(call.fn.name, varState, v)

	case classOHLC:
		// Nested ohlc() is rejected at parse time; reaching here means the
		// tree was built outside Transpile.
		return math.NaN()
	}
	return math.NaN()
}

// evalArray computes the windowed extremum or lag over committed history
// plus the current input.
func evalArray(fnName string, v *VariableState, current float64) float64 {
	span := v.Length - 1
	if span > len(v.Values) {
		span = len(v.Values)
	}

	switch fnName {
	case "highest":
		out := current
		for _, past := range v.Values[:span] {
			if past > out {
				out = past
			}
		}
		return out
	case "lowest":
		out := current
		for _, past := range v.Values[:span] {
			if past < out {
				out = past
			}
		}
		return out
	case "shift":
		if len(v.Values) >= v.Length {
			return v.Values[v.Length-1]
		}
		if len(v.Values) > 0 {
			return v.Values[len(v.Values)-1]
		}
		return current
	}
	return math.NaN()
}

// evalOHLC computes the ohlc instruction output: the carried close opens the
// bucket, the current input closes it.
func evalOHLC(fn *FunctionState, v float64) model.OHLC {
	if !fn.Opened {
		return model.OHLC{Open: v, High: v, Low: v, Close: v}
	}
	return model.OHLC{
		Open:  fn.Carry,
		High:  math.Max(fn.Carry, v),
		Low:   math.Min(fn.Carry, v),
		Close: v,
	}
}
