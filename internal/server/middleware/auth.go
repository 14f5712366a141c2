package middleware

import (
	"log/slog"
	"strings"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/gin-gonic/gin"
)

const (
	HeaderUsername     = "X-Username"
	HeaderSessionToken = "X-Session-Token"
)

// SessionValidator checks that token was issued to username.
type SessionValidator func(token, username string) error

// NewSessionAuth authenticates control plane writes by session token, taken
// from X-Session-Token or an "Authorization: Bearer" header. On success the
// username is recorded in the request metadata.
func NewSessionAuth(logger *slog.Logger, validate SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqMeta, ok := ReqMetadataFrom(c.Request.Context())
		if !ok {
			logger.Error("Session auth could not find request metadata in context. Check middleware order.")
			abort(c, apperr.New(apperr.CodeInternal, "internal error"))
			return
		}

		username := c.GetHeader(HeaderUsername)
		token := c.GetHeader(HeaderSessionToken)
		if token == "" {
			token, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if username == "" || token == "" {
			logger.Warn("Session credentials missing in request", slog.String("ip", reqMeta.IP))
			abort(c, apperr.New(apperr.CodeInvalidSession, "missing session credentials"))
			return
		}

		if err := validate(token, username); err != nil {
			logger.Warn("Invalid session presented", slog.String("ip", reqMeta.IP), slog.String("username", username))
			abort(c, err)
			return
		}

		reqMeta.Username = username
		c.Next()
	}
}

// Username returns the authenticated caller, or "" outside NewSessionAuth.
func Username(c *gin.Context) string {
	if reqMeta, ok := ReqMetadataFrom(c.Request.Context()); ok {
		return reqMeta.Username
	}
	return ""
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.CodeOf(err).HTTPStatus(), protocol.ErrorOf(err))
}
