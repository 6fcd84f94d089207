package pricing

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/shop-reduction/internal/modifier"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

// Money is a price in the game's smallest currency unit.
type Money = int64

// Breakdown explains how a price was reached.
type Breakdown struct {
	BasePrice   Money           `json:"base_price"`
	ShopChain   string          `json:"shop_chain"`
	GlobalChain string          `json:"global_chain"`
	Expression  string          `json:"expression"`
	Raw         decimal.Decimal `json:"raw"`
	Steps       []modifier.Step `json:"steps,omitempty"`
	Price       Money           `json:"price"`
}

// ComputePrice applies the shop chain and then the global chain to basePrice
// using the legacy percent mode. Empty chains leave the price untouched. The
// result is floored and never negative.
func ComputePrice(basePrice Money, shopChain, globalChain string) (Money, error) {
	return Engine{}.Price(basePrice, shopChain, globalChain)
}

// Engine prices items through the modifier compiler.
type Engine struct {
	Compiler modifier.Compiler
	Logger   zerolog.Logger
}

// Price compiles base ++ shop ++ global, evaluates it, floors the result and
// clamps it at zero. Compile and evaluation errors are returned untouched.
func (e Engine) Price(basePrice Money, shopChain, globalChain string) (Money, error) {
	b, err := e.evaluate(basePrice, shopChain, globalChain)
	if err != nil {
		return 0, err
	}
	return b.Price, nil
}

// Explain prices like Price and also reports the compiled expression and the
// running price after each term.
func (e Engine) Explain(basePrice Money, shopChain, globalChain string) (Breakdown, error) {
	b, err := e.evaluate(basePrice, shopChain, globalChain)
	if err != nil {
		return Breakdown{}, err
	}
	chain, err := modifier.ParseChain(shopChain + globalChain)
	if err != nil {
		return Breakdown{}, err
	}
	_, steps, err := chain.Apply(decimal.NewFromInt(basePrice), e.Compiler.Mode)
	if err != nil {
		return Breakdown{}, err
	}
	b.Steps = steps
	return b, nil
}

// Quote prices basePrice for action using the open shop's chain and the global chain.
func (e Engine) Quote(q rules.Quoter, action rules.Action, basePrice Money) (Money, error) {
	return e.Price(basePrice, q.ShopChain(action), q.GlobalChain(action))
}

// PriceOrBase is the recovery policy for callers that must not interrupt a
// trade: on error it logs, counts a fallback and returns basePrice clamped at zero.
func (e Engine) PriceOrBase(basePrice Money, shopChain, globalChain string) (Money, error) {
	price, err := e.Price(basePrice, shopChain, globalChain)
	if err == nil {
		return price, nil
	}
	e.Logger.Warn().
		Err(err).
		Int64("base_price", basePrice).
		Str("shop_chain", shopChain).
		Str("global_chain", globalChain).
		Msg("price_fallback")
	if obs.PriceFallbacksTotal != nil {
		obs.PriceFallbacksTotal.Inc()
	}
	return clamp(basePrice), err
}

func (e Engine) evaluate(basePrice Money, shopChain, globalChain string) (Breakdown, error) {
	expression := strconv.FormatInt(basePrice, 10) + shopChain + globalChain
	compiled, err := e.Compiler.Compile(expression)
	if err != nil {
		return Breakdown{}, fmt.Errorf("compile %q: %w", expression, err)
	}
	raw, err := modifier.Evaluate(compiled)
	if err != nil {
		return Breakdown{}, fmt.Errorf("evaluate %q: %w", compiled, err)
	}
	return Breakdown{
		BasePrice:   basePrice,
		ShopChain:   shopChain,
		GlobalChain: globalChain,
		Expression:  compiled,
		Raw:         raw,
		Price:       clamp(raw.Round(priceScale).Floor().IntPart()),
	}, nil
}

// priceScale is the number of decimal places kept before flooring. It stays
// below decimal.DivisionPrecision so quotients such as 7/1.3*1.3 that land a
// hair under a whole number floor to that number.
const priceScale = 12

func clamp(price Money) Money {
	if price < 0 {
		return 0
	}
	return price
}
