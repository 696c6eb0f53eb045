package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mailganti/opsconductor/common/apperr"
	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/models"
	"github.com/mailganti/opsconductor/common/repository"
)

// TokenAdminStore is the token management surface
type TokenAdminStore interface {
	Create(ctx context.Context, t *models.Token) (*models.Token, error)
	List(ctx context.Context) ([]*models.Token, error)
	Revoke(ctx context.Context, id int64) error
}

// TokenHandler serves bearer token administration, admin only
type TokenHandler struct {
	tokens TokenAdminStore
	log    *logger.Logger
}

// NewTokenHandler creates the handler
func NewTokenHandler(tokens TokenAdminStore, log *logger.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, log: log}
}

// List serves GET /tokens; token values are never returned
func (h *TokenHandler) List(c echo.Context) error {
	tokens, err := h.tokens.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tokens": tokens})
}

// Create serves POST /tokens. The generated 256-bit value is returned
// exactly once, in this response.
func (h *TokenHandler) Create(c echo.Context) error {
	var req struct {
		TokenName string `json:"token_name"`
		Role      string `json:"role"`
	}
	if err := c.Bind(&req); err != nil || req.TokenName == "" {
		return apperr.Validation("token_name is required")
	}
	role := models.Role(req.Role)
	if !role.Valid() {
		return apperr.Validation("Invalid role '%s'", req.Role)
	}

	value := make([]byte, 32)
	if _, err := rand.Read(value); err != nil {
		return apperr.Internal("generate token").WithCause(err)
	}

	token, err := h.tokens.Create(c.Request().Context(), &models.Token{
		Value:     hex.EncodeToString(value),
		Role:      role,
		TokenName: req.TokenName,
	})
	if err != nil {
		return err
	}
	h.log.Info("token created", "token_name", token.TokenName, "role", token.Role)
	return c.JSON(http.StatusCreated, token)
}

// Revoke serves DELETE /tokens/:id
func (h *TokenHandler) Revoke(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return apperr.Validation("Invalid token id '%s'", c.Param("id"))
	}
	if err := h.tokens.Revoke(c.Request().Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("Token %d not found", id)
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Token revoked"})
}
