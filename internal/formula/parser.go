package formula

import (
	"fmt"
	"strconv"
	"strings"

	"barstream/internal/model"
)

// barFields is the closed set of bar-field identifiers a formula may
// reference, on its own bar or on a named source bar.
var barFields = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"vbuy": true, "vsell": true, "cbuy": true, "csell": true,
	"lbuy": true, "lsell": true, "time": true,
}

// funcClass tags how a function's persistent state behaves across buckets.
type funcClass int

const (
	classStateless funcClass = iota
	classAverage             // bounded queue + running sum (avg, sum)
	classArray               // front-inserted bounded history (highest, lowest, shift)
	classOHLC                // open/high/low/close carry
)

// funcDef describes one entry of the function library.
type funcDef struct {
	name     string
	arity    int
	class    funcClass
	windowed bool // last argument is a window length
}

// funcLibrary is the fixed set of callable functions.
var funcLibrary = map[string]*funcDef{
	"avg":     {name: "avg", arity: 2, class: classAverage, windowed: true},
	"sum":     {name: "sum", arity: 2, class: classAverage, windowed: true},
	"highest": {name: "highest", arity: 2, class: classArray, windowed: true},
	"lowest":  {name: "lowest", arity: 2, class: classArray, windowed: true},
	"shift":   {name: "shift", arity: 2, class: classArray, windowed: true},
	"ohlc":    {name: "ohlc", arity: 1, class: classOHLC},
	"abs":     {name: "abs", arity: 1, class: classStateless},
	"min":     {name: "min", arity: 2, class: classStateless},
	"max":     {name: "max", arity: 2, class: classStateless},
}

// ArgRef is a stateful instruction's window-length argument: either a literal
// or the name of a numeric series option resolved at bind time.
type ArgRef struct {
	Literal int    // Used when Option is empty
	Option  string // Option name to resolve against series options
}

// Resolve returns the effective window length against the given options. An
// unknown or non-positive resolution falls back to 1.
func (a ArgRef) Resolve(options map[string]float64) int {
	length := a.Literal
	if a.Option != "" {
		if v, found := options[a.Option]; found {
			length = int(v)
		}
	}
	if length < 1 {
		length = 1
	}
	return length
}

func (a ArgRef) String() string {
	if a.Option != "" {
		return a.Option
	}
	return strconv.Itoa(a.Literal)
}

// node is one vertex of the compiled instruction tree.
type node interface {
	String() string
}

type numberNode struct{ value float64 }

func (n *numberNode) String() string { return strconv.FormatFloat(n.value, 'g', -1, 64) }

type fieldNode struct{ field string }

func (n *fieldNode) String() string { return n.field }

type sourceFieldNode struct {
	source model.SourceID
	field  string
}

func (n *sourceFieldNode) String() string {
	return fmt.Sprintf("source(%q).%s", string(n.source), n.field)
}

type seriesRefNode struct{ id string }

func (n *seriesRefNode) String() string { return "$" + n.id }

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) String() string { return n.op + n.operand.String() }

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) String() string {
	return fmt.Sprintf("(%s %s %s)", n.left.String(), n.op, n.right.String())
}

// callNode invokes a library function. Stateful calls carry the slot of
// their instruction state inside the owning State.
type callNode struct {
	fn   *funcDef
	args []node
	arg  ArgRef // window length for windowed functions
	slot int    // index into State.Functions or State.Variables
}

func (n *callNode) String() string {
	parts := make([]string, 0, len(n.args)+1)
	for _, a := range n.args {
		parts = append(parts, a.String())
	}
	if n.fn.windowed {
		parts = append(parts, n.arg.String())
	}
	return fmt.Sprintf("%s(%s)", n.fn.name, strings.Join(parts, ", "))
}

// parser builds the instruction tree and collects instruction specs and
// series references along the way.
type parser struct {
	lex  *lexer
	tok  token
	next token

	functions  []InstrSpec
	variables  []InstrSpec
	references map[string]bool
}

// parse compiles formula text into a Model.
func parse(text string) (*Model, error) {
	if strings.TrimSpace(text) == "" {
		return nil, compileErrorf("formula is empty")
	}

	p := &parser{lex: newLexer(text), references: make(map[string]bool)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, compileErrorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}

	kind := model.KindValue
	if call, isCall := root.(*callNode); isCall && call.fn.class == classOHLC {
		kind = model.KindOHLC
	}
	if err := rejectNestedOHLC(root, kind == model.KindOHLC); err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(p.references))
	for id := range p.references {
		refs = append(refs, id)
	}

	return &Model{
		Source:     text,
		Output:     root.String(),
		Kind:       kind,
		Functions:  p.functions,
		Variables:  p.variables,
		References: refs,
		root:       root,
	}, nil
}

// rejectNestedOHLC walks the tree and fails on any ohlc() call below the
// root: a four-field output cannot participate in scalar arithmetic.
func rejectNestedOHLC(n node, isRoot bool) error {
	switch v := n.(type) {
	case *callNode:
		if v.fn.class == classOHLC && !isRoot {
			return compileErrorf("ohlc() cannot be nested inside another expression")
		}
		for _, a := range v.args {
			if err := rejectNestedOHLC(a, false); err != nil {
				return err
			}
		}
	case *unaryNode:
		return rejectNestedOHLC(v.operand, false)
	case *binaryNode:
		if err := rejectNestedOHLC(v.left, false); err != nil {
			return err
		}
		return rejectNestedOHLC(v.right, false)
	}
	return nil
}

// advance shifts the lookahead window by one token.
func (p *parser) advance() error {
	p.tok = p.next
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.next = tok
	return nil
}

func (p *parser) expect(kind tokenKind, what string) error {
	if p.tok.kind != kind {
		return compileErrorf("expected %s at offset %d, got %q", what, p.tok.pos, p.tok.text)
	}
	return p.advance()
}

func (p *parser) parseExpression() (node, error) {
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && isComparisonOp(p.tok.text) {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokNumber:
		n := &numberNode{value: p.tok.num}
		return n, p.advance()

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		return inner, p.expect(tokRParen, "')'")

	case tokSeries:
		id := p.tok.text
		p.references[id] = true
		return &seriesRefNode{id: id}, p.advance()

	case tokIdent:
		name := p.tok.text
		if p.next.kind == tokLParen {
			return p.parseCall(name)
		}
		if !barFields[name] {
			return nil, compileErrorf("unknown identifier %q at offset %d", name, p.tok.pos)
		}
		n := &fieldNode{field: name}
		return n, p.advance()
	}

	return nil, compileErrorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
}

// parseCall parses source(...) references and library function calls.
func (p *parser) parseCall(name string) (node, error) {
	pos := p.tok.pos
	if err := p.advance(); err != nil { // consume name
		return nil, err
	}
	if err := p.advance(); err != nil { // consume '('
		return nil, err
	}

	if name == "source" {
		return p.parseSourceRef(pos)
	}

	fn, known := funcLibrary[name]
	if !known {
		return nil, compileErrorf("unknown function %q at offset %d", name, pos)
	}

	call := &callNode{fn: fn}
	exprArgs := fn.arity
	if fn.windowed {
		exprArgs--
	}

	for i := 0; i < exprArgs; i++ {
		if i > 0 {
			if err := p.expect(tokComma, "','"); err != nil {
				return nil, compileErrorf("%s expects %d arguments", fn.name, fn.arity)
			}
		}
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
	}

	if fn.windowed {
		if err := p.expect(tokComma, "','"); err != nil {
			return nil, compileErrorf("%s expects %d arguments", fn.name, fn.arity)
		}
		arg, err := p.parseWindowArg(fn.name)
		if err != nil {
			return nil, err
		}
		call.arg = arg
	}

	if p.tok.kind == tokComma {
		return nil, compileErrorf("%s expects %d arguments", fn.name, fn.arity)
	}
	if err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}

	switch fn.class {
	case classAverage, classOHLC:
		call.slot = len(p.functions)
		p.functions = append(p.functions, InstrSpec{Kind: instrKindFor(fn), Arg: call.arg})
	case classArray:
		call.slot = len(p.variables)
		p.variables = append(p.variables, InstrSpec{Kind: InstrArray, Arg: call.arg})
	}

	return call, nil
}

// parseWindowArg accepts a positive integer literal or a bare option name.
func (p *parser) parseWindowArg(fnName string) (ArgRef, error) {
	switch p.tok.kind {
	case tokNumber:
		if p.tok.num != float64(int(p.tok.num)) || p.tok.num < 1 {
			return ArgRef{}, compileErrorf("%s window length must be a positive integer, got %s", fnName, p.tok.text)
		}
		arg := ArgRef{Literal: int(p.tok.num)}
		return arg, p.advance()
	case tokIdent:
		arg := ArgRef{Option: p.tok.text, Literal: 1}
		return arg, p.advance()
	}
	return ArgRef{}, compileErrorf("%s window length must be a number or option name at offset %d", fnName, p.tok.pos)
}

// parseSourceRef parses source("EXCHANGE:INSTRUMENT").field.
func (p *parser) parseSourceRef(pos int) (node, error) {
	if p.tok.kind != tokString {
		return nil, compileErrorf("source() expects a quoted source identifier at offset %d", pos)
	}
	id := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if err := p.expect(tokDot, "'.' after source()"); err != nil {
		return nil, err
	}
	if p.tok.kind != tokIdent || !barFields[p.tok.text] {
		return nil, compileErrorf("unknown bar field %q at offset %d", p.tok.text, p.tok.pos)
	}
	n := &sourceFieldNode{source: model.SourceID(id), field: p.tok.text}
	return n, p.advance()
}

func instrKindFor(fn *funcDef) InstrKind {
	switch fn.name {
	case "avg":
		return InstrAverage
	case "sum":
		return InstrSum
	case "ohlc":
		return InstrOHLC
	}
	return InstrArray
}

func isComparisonOp(op string) bool {
	switch op {
	case "<", ">", "<=", ">=", "==", "!=":
		return true
	}
	return false
}
