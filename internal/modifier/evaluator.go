package modifier

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	op    byte
	value decimal.Decimal
	pos   int
}

// Evaluate computes an infix expression over + - * / ( ) and decimal literals.
// '*' and '/' bind tighter than '+' and '-', equal precedence associates left,
// and a leading '+' or '-' is a unary sign. Nothing is rounded.
func Evaluate(expr string) (decimal.Decimal, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return decimal.Zero, err
	}
	if len(tokens) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty expression", ErrMalformedChain)
	}
	p := &parser{tokens: tokens}
	value, err := p.expression()
	if err != nil {
		return decimal.Zero, err
	}
	if p.pos < len(p.tokens) {
		return decimal.Zero, fmt.Errorf("%w: unexpected token at offset %d", ErrMalformedChain, p.tokens[p.pos].pos)
	}
	return value, nil
}

func tokenize(expr string) ([]token, error) {
	src := stripSpace(expr)
	tokens := make([]token, 0, len(src)/2+1)
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, token{kind: tokOp, op: c, pos: i})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: i})
			i++
		case isDigit(c) || c == '.':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			text := src[start:i]
			if !isMagnitude(text) {
				return nil, fmt.Errorf("%w: invalid number %q at offset %d", ErrMalformedChain, text, start)
			}
			value, err := decimal.NewFromString(text)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedChain, err)
			}
			tokens = append(tokens, token{kind: tokNumber, value: value, pos: start})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrMalformedChain, c, i)
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peekOp(ops ...byte) (byte, bool) {
	if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokOp {
		return 0, false
	}
	for _, op := range ops {
		if p.tokens[p.pos].op == op {
			return op, true
		}
	}
	return 0, false
}

// expression := term (('+' | '-') term)*
func (p *parser) expression() (decimal.Decimal, error) {
	left, err := p.term()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		op, ok := p.peekOp('+', '-')
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return decimal.Zero, err
		}
		if op == '+' {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
}

// term := factor (('*' | '/') factor)*
func (p *parser) term() (decimal.Decimal, error) {
	left, err := p.factor()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		op, ok := p.peekOp('*', '/')
		if !ok {
			return left, nil
		}
		at := p.tokens[p.pos].pos
		p.pos++
		right, err := p.factor()
		if err != nil {
			return decimal.Zero, err
		}
		if op == '*' {
			left = left.Mul(right)
			continue
		}
		if right.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: division by zero at offset %d", ErrArithmetic, at)
		}
		left = left.Div(right)
	}
}

// factor := ('+' | '-') factor | number | '(' expression ')'
func (p *parser) factor() (decimal.Decimal, error) {
	if p.pos >= len(p.tokens) {
		return decimal.Zero, fmt.Errorf("%w: unexpected end of expression", ErrMalformedChain)
	}
	tok := p.tokens[p.pos]
	switch tok.kind {
	case tokNumber:
		p.pos++
		return tok.value, nil
	case tokOp:
		if tok.op != '+' && tok.op != '-' {
			return decimal.Zero, fmt.Errorf("%w: unexpected %q at offset %d", ErrMalformedChain, tok.op, tok.pos)
		}
		p.pos++
		value, err := p.factor()
		if err != nil {
			return decimal.Zero, err
		}
		if tok.op == '-' {
			return value.Neg(), nil
		}
		return value, nil
	case tokLParen:
		p.pos++
		value, err := p.expression()
		if err != nil {
			return decimal.Zero, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos].kind != tokRParen {
			return decimal.Zero, fmt.Errorf("%w: missing ')' for '(' at offset %d", ErrMalformedChain, tok.pos)
		}
		p.pos++
		return value, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unexpected ')' at offset %d", ErrMalformedChain, tok.pos)
	}
}
