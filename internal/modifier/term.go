package modifier

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedChain is returned when a modifier chain or compiled expression cannot be parsed.
	ErrMalformedChain = errors.New("modifier: malformed chain")
	// ErrArithmetic is returned when evaluation hits an invalid operation such as division by zero.
	ErrArithmetic = errors.New("modifier: arithmetic error")
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// TermKind distinguishes absolute deltas from percentage deltas.
type TermKind int

const (
	// Absolute terms are added verbatim to the running price.
	Absolute TermKind = iota
	// Percent terms scale the running price.
	Percent
)

// String returns the lowercase name of the kind.
func (k TermKind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Percent:
		return "percent"
	default:
		return "unknown"
	}
}

// Term is one signed modifier. Delta carries the sign.
type Term struct {
	Kind  TermKind
	Delta decimal.Decimal
}

// String renders the term in its compact textual form, e.g. "+10%" or "-5".
func (t Term) String() string {
	var b strings.Builder
	if !t.Delta.IsNegative() {
		b.WriteByte('+')
	}
	b.WriteString(t.Delta.String())
	if t.Kind == Percent {
		b.WriteByte('%')
	}
	return b.String()
}

// Factor returns the multiplier a percent term applies in the given mode, and
// whether that multiplier divides rather than multiplies.
func (t Term) Factor(mode Mode) (decimal.Decimal, bool) {
	magnitude := t.Delta.Abs().Div(hundred)
	if !t.Delta.IsNegative() {
		return one.Add(magnitude), false
	}
	if mode == ModeLinear {
		return one.Sub(magnitude), false
	}
	return one.Add(magnitude), true
}

// Chain is an ordered list of modifier terms.
type Chain []Term

// String renders the chain compactly with no separators.
func (c Chain) String() string {
	var b strings.Builder
	for _, t := range c {
		b.WriteString(t.String())
	}
	return b.String()
}

// Step records the running price after one term was applied.
type Step struct {
	Term  string          `json:"term"`
	Price decimal.Decimal `json:"price"`
}

// Apply runs the chain over base one term at a time. Every percent term scales
// the whole running total to its left, matching what Compile produces.
func (c Chain) Apply(base decimal.Decimal, mode Mode) (decimal.Decimal, []Step, error) {
	price := base
	steps := make([]Step, 0, len(c))
	for _, t := range c {
		switch t.Kind {
		case Absolute:
			price = price.Add(t.Delta)
		case Percent:
			factor, divide := t.Factor(mode)
			if divide {
				if factor.IsZero() {
					return decimal.Zero, steps, fmt.Errorf("%w: division by zero at %s", ErrArithmetic, t)
				}
				price = price.Div(factor)
			} else {
				price = price.Mul(factor)
			}
		default:
			return decimal.Zero, steps, fmt.Errorf("%w: unknown term kind %d", ErrMalformedChain, t.Kind)
		}
		steps = append(steps, Step{Term: t.String(), Price: price})
	}
	return price, steps, nil
}

// ParseChain splits a compact chain such as "+10%+5" into terms. Whitespace is
// ignored, so "+10% +5" is accepted too. An empty string is an empty chain.
func ParseChain(s string) (Chain, error) {
	src := stripSpace(s)
	var chain Chain
	i := 0
	for i < len(src) {
		sign := src[i]
		if sign != '+' && sign != '-' {
			return nil, fmt.Errorf("%w: expected '+' or '-' at offset %d in %q", ErrMalformedChain, i, s)
		}
		i++
		start := i
		for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
			i++
		}
		digits := src[start:i]
		if !isMagnitude(digits) {
			return nil, fmt.Errorf("%w: invalid magnitude %q in %q", ErrMalformedChain, digits, s)
		}
		delta, err := decimal.NewFromString(digits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChain, err)
		}
		if sign == '-' {
			delta = delta.Neg()
		}
		kind := Absolute
		if i < len(src) && src[i] == '%' {
			kind = Percent
			i++
		}
		chain = append(chain, Term{Kind: kind, Delta: delta})
	}
	return chain, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// isMagnitude accepts unsigned decimals: "10", "2.5". Exponents and bare dots are rejected.
func isMagnitude(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	digits := 0
	for i := 0; i < len(s); i++ {
		switch {
		case isDigit(s[i]):
			digits++
		case s[i] == '.' && !dot && digits > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return digits > 0
}
