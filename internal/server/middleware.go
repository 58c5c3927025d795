package server

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docmill/docmill/pkg/apperror"
)

// HeaderUserID carries the caller identity. Requests are scoped to this
// user; full authentication lives upstream of this service.
const HeaderUserID = "X-User-ID"

// UserID extracts the caller identity from the X-User-ID header.
func UserID(c echo.Context) (string, error) {
	userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
	if userID == "" {
		return "", apperror.ErrBadRequest.WithMessage("missing X-User-ID header")
	}
	return userID, nil
}

// APIKeyAuth returns middleware that requires the configured static API key
// on every request. The key is read from the X-API-Key header or from an
// Authorization: Bearer header. An empty configured key disables the check
// entirely (local development).
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if validKey == "" {
				return next(c)
			}

			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				auth := c.Request().Header.Get(echo.HeaderAuthorization)
				if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
					key = after
				}
			}

			if key == "" {
				return apperror.ErrMissingKey
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(validKey)) != 1 {
				return apperror.ErrUnauthorized
			}
			return next(c)
		}
	}
}
