package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Header names for signed requests.
const (
	HeaderAddress      = "X-Trader-Address"
	HeaderTimestamp    = "X-Timestamp"
	HeaderSignature    = "X-Signature"
	HeaderAdminSecret  = "X-Admin-Secret"
	HeaderOracleSecret = "X-Oracle-Secret"
)

// ContextKeyTraderAddr holds the authenticated trader address.
const ContextKeyTraderAddr = "authTraderAddr"

// Middleware authenticates signed requests. Unsigned requests pass through
// anonymous; a request that carries a bad signature is rejected.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		ts := c.GetHeader(HeaderTimestamp)
		sig := c.GetHeader(HeaderSignature)
		if addr == "" && ts == "" && sig == "" {
			c.Next()
			return
		}

		signer, err := v.Verify(c.Request.Method, c.Request.URL.Path, addr, ts, sig)
		if err != nil {
			slog.Warn("signature rejected", "path", c.Request.URL.Path, "address", addr, "error", err)
			msg := "Invalid request signature"
			if errors.Is(err, ErrClockSkew) {
				msg = "Request timestamp outside allowed window"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}
		c.Set(ContextKeyTraderAddr, signer)
		c.Next()
	}
}

// RequireTrader rejects anonymous requests.
func RequireTrader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAuthenticatedTrader(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Trader-Address, X-Timestamp and X-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator routes with the admin secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return requireSecret(HeaderAdminSecret, secret)
}

// RequireOracle guards the randomness callback with the oracle secret.
func RequireOracle(secret string) gin.HandlerFunc {
	return requireSecret(HeaderOracleSecret, secret)
}

// An empty configured secret closes the route.
func requireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if secret == "" || got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": header + " header required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid " + header,
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedTrader returns the address set by Middleware, or "".
func GetAuthenticatedTrader(c *gin.Context) string {
	return c.GetString(ContextKeyTraderAddr)
}
