package session

import (
	"net/http"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/shop-reduction/internal/common"
	"github.com/noah-isme/shop-reduction/internal/obs"
	"github.com/noah-isme/shop-reduction/internal/pricing"
)

// PriceHandler prices items for hosts that resolve chains themselves.
type PriceHandler struct {
	Engine   pricing.Engine
	Validate *validator.Validate
}

type priceRequest struct {
	BasePrice   *int64 `json:"base_price" validate:"required"`
	ShopChain   string `json:"shop_chain" validate:"max=256"`
	GlobalChain string `json:"global_chain" validate:"max=256"`
	Explain     bool   `json:"explain"`
}

type quoteResponse struct {
	BasePrice   int64  `json:"base_price"`
	ShopChain   string `json:"shop_chain"`
	GlobalChain string `json:"global_chain"`
	Price       int64  `json:"price"`
	Fallback    bool   `json:"fallback,omitempty"`
	Error       string `json:"error,omitempty"`

	err error
}

// Price handles POST /api/v1/price. With explain set, a broken chain is a 422;
// otherwise the base price is returned with fallback set.
func (h PriceHandler) Price(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request", validationDetails(err))
			return
		}
	}

	if req.Explain {
		breakdown, err := h.Engine.Explain(*req.BasePrice, req.ShopChain, req.GlobalChain)
		if err != nil {
			countQuote("stateless", "error")
			writeDomainError(w, err)
			return
		}
		countQuote("stateless", "ok")
		common.JSON(w, http.StatusOK, map[string]any{"data": breakdown})
		return
	}

	resp := quoteResponse{BasePrice: *req.BasePrice, ShopChain: req.ShopChain, GlobalChain: req.GlobalChain}
	resp.Price, resp.err = h.Engine.PriceOrBase(resp.BasePrice, resp.ShopChain, resp.GlobalChain)
	writeQuote(w, "stateless", resp)
}

func writeQuote(w http.ResponseWriter, source string, resp quoteResponse) {
	if resp.err != nil {
		resp.Fallback = true
		resp.Error = resp.err.Error()
		countQuote(source, "fallback")
	} else {
		countQuote(source, "ok")
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": resp})
}

func countQuote(source, result string) {
	if obs.PriceQuotesTotal != nil {
		obs.PriceQuotesTotal.WithLabelValues(source, result).Inc()
	}
}
