package expr

import (
	"fmt"
	"strconv"
)

// maxParseDepth bounds parser recursion so deeply nested input fails fast
// instead of exhausting the stack.
const maxParseDepth = 64

type node interface{}

type literalNode struct {
	value any
}

type nameNode struct {
	name string
}

type listNode struct {
	elems []node
}

type unaryNode struct {
	op      tokenKind
	operand node
}

type binaryNode struct {
	op    tokenKind
	left  node
	right node
}

type parser struct {
	tokens []token
	pos    int
	depth  int
}

func parse(input string) (node, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s after expression", p.peek())
	}
	return root, nil
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(format string, args ...any) error {
	return &Error{Kind: ErrKindParse, Detail: fmt.Sprintf(format, args...)}
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxParseDepth {
		return p.errorf("expression nesting exceeds depth %d", maxParseDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if p.peek().kind == tokNot {
		p.advance()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: tokNot, operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokGT, tokLT, tokGE, tokLE, tokEQ, tokNE, tokIn:
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokPlus && op != tokMinus {
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokStar && op != tokSlash && op != tokPercent {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	if p.peek().kind == tokMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: tokMinus, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	tok := p.advance()
	var primary node

	switch tok.kind {
	case tokNumber:
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", tok.text)
		}
		primary = literalNode{value: value}
	case tokString:
		primary = literalNode{value: tok.text}
	case tokTrue:
		primary = literalNode{value: true}
	case tokFalse:
		primary = literalNode{value: false}
	case tokIdent:
		primary = nameNode{name: tok.text}
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.advance().kind != tokRParen {
			return nil, p.errorf("missing closing parenthesis")
		}
		primary = inner
	case tokLBracket:
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		primary = list
	default:
		return nil, p.errorf("unexpected %s", tok)
	}

	// The grammar is closed: no calls, no attribute access, no indexing.
	switch p.peek().kind {
	case tokLParen:
		return nil, p.errorf("function calls are not allowed")
	case tokDot:
		return nil, p.errorf("attribute access is not allowed")
	case tokLBracket:
		return nil, p.errorf("indexing is not allowed")
	}
	return primary, nil
}

func (p *parser) parseList() (node, error) {
	var elems []node
	if p.peek().kind == tokRBracket {
		p.advance()
		return listNode{}, nil
	}
	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		switch p.advance().kind {
		case tokComma:
			continue
		case tokRBracket:
			return listNode{elems: elems}, nil
		default:
			return nil, p.errorf("missing closing bracket in list literal")
		}
	}
}
