// Package auth extracts caller identity from gateway-verified headers.
//
// Token verification, JWT issuance, and password handling live in the
// external user service behind the API gateway; by the time a request
// reaches this process the gateway has validated the token and stamped
// the claims into trusted headers. This package only reads them.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the authenticated user's numeric ID.
	HeaderUserID = "X-User-Id"
	// HeaderRole carries the user's role: "employer" or "worker".
	HeaderRole = "X-User-Role"
	// HeaderWallet carries the user's wallet address, if registered.
	HeaderWallet = "X-User-Wallet"
	// HeaderUsername carries the user's display name.
	HeaderUsername = "X-Username"
	// HeaderServiceKey carries the shared service-to-service credential.
	HeaderServiceKey = "X-Service-Key"

	// ContextKeyClaims is the gin context key for the parsed Claims.
	ContextKeyClaims = "authClaims"
)

// Roles.
const (
	RoleEmployer = "employer"
	RoleWorker   = "worker"
)

// Claims is the identity the gateway vouched for.
type Claims struct {
	UserID   int64
	Role     string
	Wallet   string
	Username string
}

// Middleware parses identity headers into Claims when present. It never
// rejects: handlers that need auth stack Require or RequireRole on top.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		idHeader := c.GetHeader(HeaderUserID)
		if idHeader != "" {
			if id, err := strconv.ParseInt(idHeader, 10, 64); err == nil && id > 0 {
				c.Set(ContextKeyClaims, Claims{
					UserID:   id,
					Role:     c.GetHeader(HeaderRole),
					Wallet:   c.GetHeader(HeaderWallet),
					Username: c.GetHeader(HeaderUsername),
				})
			}
		}
		c.Next()
	}
}

// FromContext returns the caller's claims, if authenticated.
func FromContext(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// Require rejects unauthenticated requests.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests not authenticated with the given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Requires " + role + " role",
			})
			return
		}
		c.Next()
	}
}

// RequireServiceKey guards service-to-service endpoints with a shared
// credential. Comparison is constant-time. An empty configured key
// disables the surface entirely rather than leaving it open.
func RequireServiceKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Service API disabled",
			})
			return
		}
		got := c.GetHeader(HeaderServiceKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid service credential",
			})
			return
		}
		c.Next()
	}
}
