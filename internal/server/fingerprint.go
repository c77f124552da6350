package server

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

const (
	fingerprintContextKey = "coveragecheck_fingerprint"
	remoteIPContextKey    = "coveragecheck_remote_ip"
)

// fingerprintRequest derives the opaque origin fingerprint once at the
// transport boundary. Everything downstream treats it as an opaque string;
// nothing re-derives it and clients can never supply their own.
func fingerprintRequest(c *gin.Context) {
	clientIP := c.ClientIP()
	seed := clientIP + "|" + c.Request.UserAgent()
	sum := sha256.Sum256([]byte(seed))

	c.Set(fingerprintContextKey, hex.EncodeToString(sum[:16]))
	c.Set(remoteIPContextKey, clientIP)
	c.Next()
}
