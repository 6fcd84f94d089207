package modifier

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode selects how a negative percentage is compiled.
type Mode int

const (
	// ModeLegacy compiles "-N%" to a division by (1 + N/100). "-10%" of 100 is 90.909...
	ModeLegacy Mode = iota
	// ModeLinear compiles "-N%" to a multiplication by (1 - N/100). "-10%" of 100 is 90.
	ModeLinear
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeLinear:
		return "linear"
	default:
		return "legacy"
	}
}

// ParseMode maps a configuration value to a Mode. Unknown values report false
// and fall back to ModeLegacy.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legacy":
		return ModeLegacy, true
	case "linear":
		return ModeLinear, true
	default:
		return ModeLegacy, false
	}
}

// Compiler rewrites a modifier expression into plain infix arithmetic.
type Compiler struct {
	Mode Mode
}

// Compile rewrites expression with the legacy percent mode.
func Compile(expression string) (string, error) {
	return Compiler{}.Compile(expression)
}

// Compile turns a base price followed by concatenated chains, e.g. "100+10%-5",
// into a fully parenthesised expression such as "(100)*1.1-5".
//
// Each pass consumes the leftmost '%': the nearest '+' or '-' before it becomes
// '*' or '/', the magnitude becomes its multiplier, and everything to the left
// of the operator is wrapped in parentheses.
func (c Compiler) Compile(expression string) (string, error) {
	expr := stripSpace(expression)
	for {
		p := strings.IndexByte(expr, '%')
		if p < 0 {
			return expr, nil
		}
		t := strings.LastIndexAny(expr[:p], "+-")
		if t < 0 {
			return "", fmt.Errorf("%w: percentage at offset %d has no sign", ErrMalformedChain, p)
		}
		if t == 0 {
			return "", fmt.Errorf("%w: nothing precedes the percentage at offset %d", ErrMalformedChain, p)
		}
		magnitude := expr[t+1 : p]
		if !isMagnitude(magnitude) {
			return "", fmt.Errorf("%w: invalid percentage %q", ErrMalformedChain, magnitude)
		}
		value, err := decimal.NewFromString(magnitude)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedChain, err)
		}
		if expr[t] == '-' {
			value = value.Neg()
		}
		factor, divide := Term{Kind: Percent, Delta: value}.Factor(c.Mode)
		op := byte('*')
		if divide {
			op = '/'
		}

		var b strings.Builder
		b.Grow(len(expr) + 8)
		b.WriteByte('(')
		b.WriteString(expr[:t])
		b.WriteByte(')')
		b.WriteByte(op)
		b.WriteString(factor.String())
		b.WriteString(expr[p+1:])
		expr = b.String()
	}
}
