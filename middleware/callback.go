package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	CallbackSignatureHeader = "X-Callback-Signature"
	ContextCallbackVerified = "callbackVerified"

	maxCallbackBody = 1 << 20
)

// SignCallback returns the hex HMAC-SHA256 of body under secret, the value
// providers send in X-Callback-Signature.
func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// CallbackSignature rejects provider callbacks whose body does not carry a
// valid signature. The body is restored for the handler.
func CallbackSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig := strings.TrimPrefix(c.GetHeader(CallbackSignatureHeader), "sha256=")
		given, err := hex.DecodeString(sig)
		if sig == "" || err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or malformed callback signature"})
			return
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if !hmac.Equal(given, mac.Sum(nil)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid callback signature"})
			return
		}

		c.Set(ContextCallbackVerified, true)
		c.Next()
	}
}

// CallbackVerified reports whether CallbackSignature accepted the request.
func CallbackVerified(c *gin.Context) bool {
	return c.GetBool(ContextCallbackVerified)
}
