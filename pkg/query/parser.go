package query

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ─── AST ────────────────────────────────────────────────────────────

type node interface{ nodeName() string }

// currentNode is `@`, the current evaluation subject.
type currentNode struct{}

// literalNode is a string, number, boolean, null or backtick JSON literal.
type literalNode struct{ value any }

// chainNode is a base expression followed by postfix steps (field access,
// indexing, projection, filtering, multi-select).
type chainNode struct {
	base  node
	steps []step
}

// pipeNode evaluates left, then right with left's result as subject.
type pipeNode struct{ left, right node }

// compareNode is a binary comparison.
type compareNode struct {
	op          tokenKind
	left, right node
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ operand node }

// funcNode is a function call; args may include exprRefNode values.
type funcNode struct {
	name string
	pos  int
	args []node
}

// exprRefNode is `&expr`: an unevaluated expression passed to functions such
// as group_by.
type exprRefNode struct{ expr node }

func (currentNode) nodeName() string { return "current" }
func (literalNode) nodeName() string { return "literal" }
func (chainNode) nodeName() string   { return "chain" }
func (pipeNode) nodeName() string    { return "pipe" }
func (compareNode) nodeName() string { return "compare" }
func (andNode) nodeName() string     { return "and" }
func (orNode) nodeName() string      { return "or" }
func (notNode) nodeName() string     { return "not" }
func (funcNode) nodeName() string    { return "func" }
func (exprRefNode) nodeName() string { return "expr_ref" }

// Postfix steps.
type step interface{ stepName() string }

type fieldStep struct{ name string }
type indexStep struct{ index int }
type projectStep struct{}            // [*]
type filterStep struct{ pred node }  // [?expr]
type hashStep struct{ pairs []pair } // .{key: expr, ...}

type pair struct {
	key  string
	expr node
}

func (fieldStep) stepName() string   { return "field" }
func (indexStep) stepName() string   { return "index" }
func (projectStep) stepName() string { return "project" }
func (filterStep) stepName() string  { return "filter" }
func (hashStep) stepName() string    { return "hash" }

// ─── Parser ─────────────────────────────────────────────────────────

// Expr is a compiled query expression. Compile once, evaluate many times;
// evaluation is pure and deterministic.
type Expr struct {
	Source string
	root   node
}

// Compile parses an expression string.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, p.errorf("unexpected %q after expression", p.peek().text)
	}
	return &Expr{Source: src, root: root}, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(k tokenKind) bool {
	if p.peek().kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != k {
		return t, p.errorf("expected %s, found %q", what, tokenText(t))
	}
	p.pos++
	return t, nil
}

func (p *parser) errorf(format string, args ...any) *ParseError {
	return &ParseError{Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func tokenText(t token) string {
	if t.kind == tEOF {
		return "end of expression"
	}
	return t.text
}

// parseExpression parses the lowest-precedence form: pipes.
func (p *parser) parseExpression() (node, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.accept(tPipe) {
		right, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		left = pipeNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept(tAnd) {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.accept(tNot) {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[tokenKind]bool{
	tEq: true, tNe: true, tLt: true, tLe: true, tGt: true, tGe: true,
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseChain()
	if err != nil {
		return nil, err
	}
	if op := p.peek().kind; comparisonOps[op] {
		p.next()
		right, err := p.parseChain()
		if err != nil {
			return nil, err
		}
		return compareNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

// parseChain parses a primary followed by postfix steps.
func (p *parser) parseChain() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	var steps []step
	for {
		switch p.peek().kind {
		case tDot:
			p.next()
			if p.peek().kind == tLBrace {
				h, err := p.parseHash()
				if err != nil {
					return nil, err
				}
				steps = append(steps, h)
				continue
			}
			t, err := p.expect(tIdent, "field name")
			if err != nil {
				return nil, err
			}
			steps = append(steps, fieldStep{name: t.text})
		case tLBracket:
			p.next()
			s, err := p.parseBracket()
			if err != nil {
				return nil, err
			}
			steps = append(steps, s)
		default:
			if len(steps) == 0 {
				return base, nil
			}
			return chainNode{base: base, steps: steps}, nil
		}
	}
}

// parseBracket parses the contents after '[': an index, '*', or '?filter'.
func (p *parser) parseBracket() (step, error) {
	switch p.peek().kind {
	case tStar:
		p.next()
		if _, err := p.expect(tRBracket, "']'"); err != nil {
			return nil, err
		}
		return projectStep{}, nil
	case tQuestion:
		p.next()
		pred, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRBracket, "']'"); err != nil {
			return nil, err
		}
		return filterStep{pred: pred}, nil
	case tNumber:
		t := p.next()
		idx, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("invalid index %q", t.text)}
		}
		if _, err := p.expect(tRBracket, "']'"); err != nil {
			return nil, err
		}
		return indexStep{index: idx}, nil
	default:
		return nil, p.errorf("expected index, '*' or '?' inside brackets, found %q", tokenText(p.peek()))
	}
}

// parseHash parses a multi-select hash: {key: expr, ...}.
func (p *parser) parseHash() (step, error) {
	if _, err := p.expect(tLBrace, "'{'"); err != nil {
		return nil, err
	}
	var pairs []pair
	for {
		key, err := p.expect(tIdent, "key name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tColon, "':'"); err != nil {
			return nil, err
		}
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair{key: key.text, expr: expr})
		if !p.accept(tComma) {
			break
		}
	}
	if _, err := p.expect(tRBrace, "'}'"); err != nil {
		return nil, err
	}
	return hashStep{pairs: pairs}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tAt:
		p.next()
		return currentNode{}, nil
	case tAmp:
		p.next()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		return exprRefNode{expr: inner}, nil
	case tString:
		p.next()
		return literalNode{value: t.text}, nil
	case tNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.text)}
		}
		return literalNode{value: f}, nil
	case tBacktick:
		p.next()
		var v any
		if err := json.Unmarshal([]byte(t.text), &v); err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("invalid JSON literal: %v", err)}
		}
		return literalNode{value: v}, nil
	case tLParen:
		p.next()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tIdent:
		p.next()
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null":
			return literalNode{value: nil}, nil
		}
		if p.peek().kind == tLParen {
			return p.parseCall(t)
		}
		// Bare identifier: field access on the current node.
		return chainNode{base: currentNode{}, steps: []step{fieldStep{name: t.text}}}, nil
	default:
		return nil, p.errorf("unexpected %q", tokenText(t))
	}
}

func (p *parser) parseCall(name token) (node, error) {
	if _, err := p.expect(tLParen, "'('"); err != nil {
		return nil, err
	}
	fn := funcNode{name: name.text, pos: name.pos}
	if p.accept(tRParen) {
		return fn, nil
	}
	for {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		fn.args = append(fn.args, arg)
		if !p.accept(tComma) {
			break
		}
	}
	if _, err := p.expect(tRParen, "')'"); err != nil {
		return nil, err
	}
	return fn, nil
}
