package middleware

import (
	"log/slog"

	"github.com/MarvelSK/Isegoria/internal/apperr"
	"github.com/MarvelSK/Isegoria/pkg/config"
	"github.com/gin-gonic/gin"
)

// ConnectionCounter reports how many stream connections ip currently holds.
type ConnectionCounter func(ip string) int

// NewConnectionLimiter rejects stream upgrades from an address that already
// holds MaxPerIP connections. A limit of 0 lets everything through.
func NewConnectionLimiter(logger *slog.Logger, counter ConnectionCounter, config config.ConnectionLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.MaxPerIP <= 0 {
			c.Next()
			return
		}

		reqMeta, ok := ReqMetadataFrom(c.Request.Context())
		if !ok {
			logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
			abort(c, apperr.New(apperr.CodeInternal, "internal error"))
			return
		}

		count := counter(reqMeta.IP)
		if count < config.MaxPerIP {
			c.Next()
			return
		}

		logger.Warn("Connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
		abort(c, apperr.New(apperr.CodeRateLimited, "too many active connections"))
	}
}
