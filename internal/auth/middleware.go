package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderName carries the shared secret on protected routes.
const HeaderName = "X-API-Key"

// DeniedMessage is the only body ever returned on an auth failure.
const DeniedMessage = "Invalid or missing API key"

// ErrUnauthorized is returned when the provided credential does not match.
var ErrUnauthorized = errors.New("unauthorized")

// Guard compares inbound credentials against one shared secret. An empty
// secret puts the guard in open mode.
type Guard struct {
	digest [sha256.Size]byte
	open   bool
}

// NewGuard builds a guard for secret.
func NewGuard(secret string) *Guard {
	if secret == "" {
		return &Guard{open: true}
	}
	return &Guard{digest: sha256.Sum256([]byte(secret))}
}

// Open reports whether every request is authorized.
func (g *Guard) Open() bool {
	return g.open
}

// Authorize reports whether provided matches the secret. Both sides are
// hashed first so the comparison time depends on neither length nor prefix.
func (g *Guard) Authorize(provided string) bool {
	if g.open {
		return true
	}
	sum := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(sum[:], g.digest[:]) == 1
}

// Check returns ErrUnauthorized when provided is rejected.
func (g *Guard) Check(provided string) error {
	if !g.Authorize(provided) {
		return ErrUnauthorized
	}
	return nil
}

// APIKeyMiddleware rejects requests whose X-API-Key does not match before
// any handler work happens.
func APIKeyMiddleware(guard *Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := guard.Check(c.GetHeader(HeaderName)); err != nil {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": DeniedMessage})
}
