// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

package pathpoint

import (
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ReparseExpression is the compiled form of a derived pathpoint's name: an
// arithmetic expression over the latest values of its constituent pathpoints.
//
// A derived name looks like `rd({Wfoo}+{Wbar})/2`: the leading 'r', the type
// letter of the result, then an expression where `{path}` substitutes the
// named pathpoint's value. Nested braces stay part of the inner path.
type ReparseExpression struct {
	// Source is the expression with every {path} replaced by v0, v1, …
	Source string
	// Paths holds the constituent pathpoint names in substitution order.
	Paths []string

	root exprNode
}

var exprCache *lru.Cache[string, *ReparseExpression]

func init() {
	exprCache, _ = lru.New[string, *ReparseExpression](512)
}

// CompileReparse parses and compiles a derived pathpoint name. Compiled
// expressions are cached, so materializing the same pathpoint twice is cheap.
func CompileReparse(path string) (*ReparseExpression, error) {
	if e, ok := exprCache.Get(path); ok {
		return e, nil
	}
	if !IsReparsePath(path) || len(path) < 3 {
		return nil, fmt.Errorf("%s is not a derived pathpoint name", path)
	}
	src, paths, err := splitReparse(path[2:])
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	root, err := parseExpression(src)
	if err != nil {
		return nil, fmt.Errorf("cannot compile %s: %w", path, err)
	}
	e := &ReparseExpression{Source: src, Paths: paths, root: root}
	exprCache.Add(path, e)
	return e, nil
}

// NativeConstituents breaks a derived pathpoint name down to non-derived
// constituent names, recursing through nested derived pathpoints.
func NativeConstituents(path string) ([]string, error) {
	if !IsReparsePath(path) {
		return []string{path}, nil
	}
	e, err := CompileReparse(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sub := range e.Paths {
		nested, err := NativeConstituents(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

// Evaluate computes the expression over the constituents' values, given in
// the order of Paths.
func (e *ReparseExpression) Evaluate(values []float64) (float64, error) {
	if len(values) != len(e.Paths) {
		return 0, fmt.Errorf("expression over %d constituents got %d values", len(e.Paths), len(values))
	}
	return e.root.eval(values)
}

// splitReparse turns `{abc}+12+{def}` into (`v0+12+v1`, [abc def]).
func splitReparse(invocation string) (string, []string, error) {
	if invocation == "" {
		return "", nil, fmt.Errorf("empty expression")
	}
	var (
		paths    []string
		expr     strings.Builder
		variable strings.Builder
		nesting  int
	)
	for _, c := range invocation {
		if nesting == 0 {
			if c == '{' {
				nesting = 1
			} else {
				expr.WriteRune(c)
			}
			continue
		}
		switch c {
		case '{':
			nesting++
		case '}':
			nesting--
			if nesting == 0 {
				paths = append(paths, variable.String())
				variable.Reset()
				fmt.Fprintf(&expr, "v%d", len(paths)-1)
				continue
			}
		}
		variable.WriteRune(c)
	}
	if nesting != 0 {
		return "", nil, fmt.Errorf("no matching } found")
	}
	return expr.String(), paths, nil
}

// The evaluator below is a small recursive-descent compiler for the fleet's
// reparse mini-language: +, -, *, / with parentheses and unary minus over
// numbers and v<n> operands, plus a fixed table of transducer conversion
// functions.

type exprNode interface {
	eval(values []float64) (float64, error)
}

type literalNode float64

func (l literalNode) eval([]float64) (float64, error) { return float64(l), nil }

type variableNode int

func (v variableNode) eval(values []float64) (float64, error) {
	if int(v) >= len(values) {
		return 0, fmt.Errorf("operand v%d out of range", int(v))
	}
	return values[v], nil
}

type negateNode struct{ arg exprNode }

func (n negateNode) eval(values []float64) (float64, error) {
	v, err := n.arg.eval(values)
	return -v, err
}

type binaryNode struct {
	op          byte
	left, right exprNode
}

func (b binaryNode) eval(values []float64) (float64, error) {
	l, err := b.left.eval(values)
	if err != nil {
		return 0, err
	}
	r, err := b.right.eval(values)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	}
}

type callNode struct {
	name string
	fn   func([]float64) (float64, error)
	args []exprNode
}

func (c callNode) eval(values []float64) (float64, error) {
	args := make([]float64, len(c.args))
	for i, a := range c.args {
		v, err := a.eval(values)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	return c.fn(args)
}

type exprParser struct {
	src string
	pos int
}

func parseExpression(src string) (exprNode, error) {
	p := &exprParser{src: src}
	node, err := p.sum()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("trailing input at %d: %q", p.pos, p.src[p.pos:])
	}
	return node, nil
}

func (p *exprParser) sum() (exprNode, error) {
	node, err := p.product()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if c, ok := p.peek(); ok && (c == '+' || c == '-') {
			p.pos++
			right, err := p.product()
			if err != nil {
				return nil, err
			}
			node = binaryNode{op: c, left: node, right: right}
			continue
		}
		return node, nil
	}
}

func (p *exprParser) product() (exprNode, error) {
	node, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if c, ok := p.peek(); ok && (c == '*' || c == '/') {
			p.pos++
			right, err := p.unary()
			if err != nil {
				return nil, err
			}
			node = binaryNode{op: c, left: node, right: right}
			continue
		}
		return node, nil
	}
}

func (p *exprParser) unary() (exprNode, error) {
	p.skipSpace()
	if c, ok := p.peek(); ok && c == '-' {
		p.pos++
		arg, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negateNode{arg: arg}, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (exprNode, error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch {
	case c == '(':
		p.pos++
		node, err := p.sum()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return node, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.number()
	case isIdentStart(c):
		return p.identifier()
	default:
		return nil, fmt.Errorf("unexpected %q at %d", c, p.pos)
	}
}

func (p *exprParser) number() (exprNode, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", p.src[start:p.pos])
	}
	return literalNode(v), nil
}

func (p *exprParser) identifier() (exprNode, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]

	if idx, ok := operandIndex(name); ok {
		return variableNode(idx), nil
	}

	fn, ok := transducers[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var args []exprNode
	p.skipSpace()
	if c, ok := p.peek(); ok && c != ')' {
		for {
			arg, err := p.sum()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpace()
			c, ok := p.peek()
			if ok && c == ',' {
				p.pos++
				continue
			}
			break
		}
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if len(args) != transducerArity[name] {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", name, transducerArity[name], len(args))
	}
	return callNode{name: name, fn: fn, args: args}, nil
}

func (p *exprParser) peek() (byte, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *exprParser) expect(c byte) error {
	p.skipSpace()
	got, ok := p.peek()
	if !ok || got != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func operandIndex(name string) (int, bool) {
	if len(name) < 2 || name[0] != 'v' {
		return 0, false
	}
	idx, err := strconv.Atoi(name[1:])
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
