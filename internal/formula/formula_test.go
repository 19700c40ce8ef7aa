package formula

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstream/internal/model"
)

// fakeContext is a minimal BarContext for evaluating adapters against
// hand-built buckets.
type fakeContext struct {
	combined model.CombinedBar
	sources  map[model.SourceID]*model.SourceBar
	order    []model.SourceID
	outputs  map[string]float64
}

func newFakeContext() *fakeContext {
	return &fakeContext{
		sources: make(map[model.SourceID]*model.SourceBar),
		outputs: make(map[string]float64),
	}
}

func (f *fakeContext) Combined() *model.CombinedBar { return &f.combined }

func (f *fakeContext) Source(id model.SourceID) *model.SourceBar { return f.sources[id] }

func (f *fakeContext) EachSource(fn func(bar *model.SourceBar)) {
	for _, id := range f.order {
		fn(f.sources[id])
	}
}

func (f *fakeContext) SeriesOutput(id string) (float64, bool) {
	v, found := f.outputs[id]
	return v, found
}

func (f *fakeContext) addSource(id string, close float64) {
	sid := model.SourceID(id)
	if _, found := f.sources[sid]; !found {
		f.order = append(f.order, sid)
	}
	d := decimal.NewFromFloat(close)
	f.sources[sid] = &model.SourceBar{
		Source: sid, Open: d, High: d, Low: d, Close: d,
	}
}

func Test_Transpile(t *testing.T) {
	tests := []struct {
		name        string
		formula     string
		expectErr   string
		expectKind  model.OutputKind
		expectFuncs int
		expectVars  int
		expectRefs  []string
	}{
		{
			name:       "Simple field reference",
			formula:    "vbuy",
			expectKind: model.KindValue,
		},
		{
			name:       "Arithmetic over fields",
			formula:    "vbuy - vsell + 2 * lbuy",
			expectKind: model.KindValue,
		},
		{
			name:        "Rolling average creates a function instruction",
			formula:     "avg(vbuy, 14)",
			expectKind:  model.KindValue,
			expectFuncs: 1,
		},
		{
			name:       "Windowed extremum creates a variable instruction",
			formula:    "highest(close, 10) - lowest(close, 10)",
			expectKind: model.KindValue,
			expectVars: 2,
		},
		{
			name:        "OHLC output kind",
			formula:     "ohlc(vbuy - vsell)",
			expectKind:  model.KindOHLC,
			expectFuncs: 1,
		},
		{
			name:       "Series reference is collected",
			formula:    "$delta / 2",
			expectKind: model.KindValue,
			expectRefs: []string{"delta"},
		},
		{
			name:       "Named source field",
			formula:    `source("BINANCE:BTCUSDT").close`,
			expectKind: model.KindValue,
		},
		{
			name:      "Unknown identifier",
			formula:   "volume",
			expectErr: "unknown identifier",
		},
		{
			name:      "Unknown function",
			formula:   "median(close, 5)",
			expectErr: "unknown function",
		},
		{
			name:      "Arity mismatch",
			formula:   "avg(close)",
			expectErr: "avg expects 2 arguments",
		},
		{
			name:      "Too many arguments",
			formula:   "abs(close, 5)",
			expectErr: "abs expects 1 arguments",
		},
		{
			name:      "Nested ohlc rejected",
			formula:   "ohlc(close) + 1",
			expectErr: "cannot be nested",
		},
		{
			name:      "Empty formula",
			formula:   "   ",
			expectErr: "formula is empty",
		},
		{
			name:      "Dangling operator",
			formula:   "vbuy +",
			expectErr: "unexpected",
		},
		{
			name:      "Bad window length",
			formula:   "avg(close, 2.5)",
			expectErr: "positive integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Transpile(tt.formula)

			if tt.expectErr != "" {
				require.Error(t, err)
				var compileErr *CompileError
				require.ErrorAs(t, err, &compileErr, "all failures should be CompileError")
				assert.Contains(t, compileErr.Message, tt.expectErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectKind, m.Kind)
			assert.Len(t, m.Functions, tt.expectFuncs)
			assert.Len(t, m.Variables, tt.expectVars)
			if tt.expectRefs != nil {
				assert.ElementsMatch(t, tt.expectRefs, m.References)
			}
			assert.NotEmpty(t, m.Output, "rewritten expression should be produced")
		})
	}
}

func Test_Adapter_FieldsAndOperators(t *testing.T) {
	ctx := newFakeContext()
	ctx.combined.VBuy = decimal.NewFromInt(10)
	ctx.combined.VSell = decimal.NewFromInt(4)
	ctx.combined.CBuy = 3
	ctx.combined.Empty = false
	ctx.addSource("BINANCE:BTCUSDT", 100)
	ctx.addSource("OKX:BTCUSDT", 102)
	ctx.outputs["other"] = 7

	lib := NewLibrary()

	tests := []struct {
		name    string
		formula string
		expect  float64
	}{
		{"Combined volume delta", "vbuy - vsell", 6},
		{"Count field", "cbuy * 2", 6},
		{"Comparison yields one", "vbuy > vsell", 1},
		{"Comparison yields zero", "vbuy < vsell", 0},
		{"Own close is the source mean", "close", 101},
		{"Named source close", `source("OKX:BTCUSDT").close`, 102},
		{"Missing source contributes zero", `source("BYBIT:BTCUSDT").vbuy`, 0},
		{"Series reference", "$other + 1", 8},
		{"Stateless helpers", "max(abs(0 - 3), min(vbuy, 2))", 3},
		{"Unary minus", "-vsell", -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Transpile(tt.formula)
			require.NoError(t, err)

			state := m.NewState(nil)
			result := m.Adapter()(ctx, state, nil, lib)
			assert.Equal(t, model.KindValue, result.Kind)
			assert.InDelta(t, tt.expect, result.Value, 1e-9)
		})
	}
}

// Test_Adapter_AverageSliding verifies the sliding-correctness property: the
// rolling average equals the mean of the last W closed-bucket inputs once
// W buckets have closed, and the mean of all inputs before that.
func Test_Adapter_AverageSliding(t *testing.T) {
	m, err := Transpile("avg(vbuy, 3)")
	require.NoError(t, err)

	state := m.NewState(nil)
	adapter := m.Adapter()
	lib := NewLibrary()

	inputs := []int64{1, 2, 3, 4, 5, 6}
	expected := []float64{
		1,           // mean(1)
		1.5,         // mean(1,2)
		2,           // mean(1,2,3)
		3,           // mean(2,3,4)
		4,           // mean(3,4,5)
		5,           // mean(4,5,6)
	}

	ctx := newFakeContext()
	for i, v := range inputs {
		ctx.combined.VBuy = decimal.NewFromInt(v)
		result := adapter(ctx, state, nil, lib)
		assert.InDelta(t, expected[i], result.Value, 1e-9, "bucket %d", i)
		state.Advance()
	}
}

func Test_Adapter_SumSliding(t *testing.T) {
	m, err := Transpile("sum(vbuy, 2)")
	require.NoError(t, err)

	state := m.NewState(nil)
	adapter := m.Adapter()
	lib := NewLibrary()
	ctx := newFakeContext()

	expected := []float64{1, 3, 5, 7} // rolling pairwise sums over 1,2,3,4
	for i, v := range []int64{1, 2, 3, 4} {
		ctx.combined.VBuy = decimal.NewFromInt(v)
		result := adapter(ctx, state, nil, lib)
		assert.InDelta(t, expected[i], result.Value, 1e-9, "bucket %d", i)
		state.Advance()
	}
}

func Test_Adapter_ShiftAndExtrema(t *testing.T) {
	lib := NewLibrary()

	t.Run("Shift returns the lagged value once history exists", func(t *testing.T) {
		m, err := Transpile("shift(vbuy, 2)")
		require.NoError(t, err)

		state := m.NewState(nil)
		adapter := m.Adapter()
		ctx := newFakeContext()

		outs := make([]float64, 0, 4)
		for _, v := range []int64{10, 20, 30, 40} {
			ctx.combined.VBuy = decimal.NewFromInt(v)
			outs = append(outs, adapter(ctx, state, nil, lib).Value)
			state.Advance()
		}
		// Warmup falls back to the oldest known value, then proper lag.
		assert.Equal(t, []float64{10, 10, 10, 20}, outs)
	})

	t.Run("Highest over a window of three", func(t *testing.T) {
		m, err := Transpile("highest(vbuy, 3)")
		require.NoError(t, err)

		state := m.NewState(nil)
		adapter := m.Adapter()
		ctx := newFakeContext()

		outs := make([]float64, 0, 5)
		for _, v := range []int64{5, 3, 4, 1, 2} {
			ctx.combined.VBuy = decimal.NewFromInt(v)
			outs = append(outs, adapter(ctx, state, nil, lib).Value)
			state.Advance()
		}
		assert.Equal(t, []float64{5, 5, 5, 4, 4}, outs)
	})
}

func Test_Adapter_OHLCCarry(t *testing.T) {
	m, err := Transpile("ohlc(vbuy)")
	require.NoError(t, err)

	state := m.NewState(nil)
	adapter := m.Adapter()
	lib := NewLibrary()
	ctx := newFakeContext()

	// First bucket opens flat on its own value.
	ctx.combined.VBuy = decimal.NewFromInt(10)
	first := adapter(ctx, state, nil, lib)
	require.Equal(t, model.KindOHLC, first.Kind)
	assert.Equal(t, model.OHLC{Open: 10, High: 10, Low: 10, Close: 10}, first.OHLC)
	state.Advance()

	// Second bucket opens on the carried close.
	ctx.combined.VBuy = decimal.NewFromInt(8)
	second := adapter(ctx, state, nil, lib)
	assert.Equal(t, model.OHLC{Open: 10, High: 10, Low: 8, Close: 8}, second.OHLC)
	state.Advance()

	ctx.combined.VBuy = decimal.NewFromInt(12)
	third := adapter(ctx, state, nil, lib)
	assert.Equal(t, model.OHLC{Open: 8, High: 12, Low: 8, Close: 12}, third.OHLC)
}

func Test_Adapter_MissingSeriesReferenceIsNaN(t *testing.T) {
	m, err := Transpile("$ghost * 2")
	require.NoError(t, err)

	result := m.Adapter()(newFakeContext(), m.NewState(nil), nil, NewLibrary())
	assert.True(t, math.IsNaN(result.Value))
}

func Test_NewState_ClonesAreIndependent(t *testing.T) {
	m, err := Transpile("avg(vbuy, 3)")
	require.NoError(t, err)

	a := m.NewState(nil)
	b := m.NewState(nil)

	adapter := m.Adapter()
	lib := NewLibrary()
	ctx := newFakeContext()

	ctx.combined.VBuy = decimal.NewFromInt(100)
	adapter(ctx, a, nil, lib)
	a.Advance()

	assert.Equal(t, 1, a.Functions[0].Count, "state A should have advanced")
	assert.Equal(t, 0, b.Functions[0].Count, "state B must be untouched")
}

func Test_UpdateInstructionsArgument(t *testing.T) {
	m, err := Transpile("avg(vbuy, length)")
	require.NoError(t, err)
	require.Len(t, m.Functions, 1)
	assert.Equal(t, "length", m.Functions[0].Arg.Option)

	options := map[string]float64{"length": 4}
	state := m.NewState(options)
	assert.Equal(t, 4, state.Functions[0].Length)

	adapter := m.Adapter()
	lib := NewLibrary()
	ctx := newFakeContext()
	for _, v := range []int64{1, 2, 3, 4} {
		ctx.combined.VBuy = decimal.NewFromInt(v)
		adapter(ctx, state, options, lib)
		state.Advance()
	}
	require.Len(t, state.Functions[0].Queue, 4)

	// Shrinking the window trims the oldest entries without recompiling.
	UpdateInstructionsArgument(state, map[string]float64{"length": 2})
	assert.Equal(t, 2, state.Functions[0].Length)
	assert.Equal(t, []float64{3, 4}, state.Functions[0].Queue)
	assert.InDelta(t, 7, state.Functions[0].Sum, 1e-9)
}

func Test_RewrittenExpression(t *testing.T) {
	m, err := Transpile("vbuy-vsell*2")
	require.NoError(t, err)
	assert.Equal(t, "(vbuy - (vsell * 2))", m.Output, "precedence should be explicit in the rewrite")
}
