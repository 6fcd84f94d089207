package auth

import (
	"net/http"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/shop-reduction/internal/common"
)

// Handler exposes the token exchange endpoints.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
}

type tokenRequest struct {
	Author     string `json:"author" validate:"required,max=64"`
	Passphrase string `json:"passphrase" validate:"required"`
}

// Token handles POST /api/v1/auth/token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "auth service not configured", nil)
		return
	}
	var req tokenRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(req); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "author and passphrase are required", nil)
			return
		}
	}
	result, err := h.Service.IssueToken(r.Context(), req.Author, req.Passphrase)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

// Me handles GET /api/v1/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	author, ok := common.Author(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{"author": author}})
}
