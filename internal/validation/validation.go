// Package validation guards request shape before handlers run.
package validation

import (
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
)

const (
	MaxRequestSize     = 64 << 10
	MaxIDLength        = 128
	MaxDisplayNameRune = 80
)

// RequestSizeMiddleware caps request bodies at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ID reports whether s is usable as a user, bond, listing or offer id:
// non-empty, bounded, printable, without spaces.
func ID(s string) bool {
	if s == "" || len(s) > MaxIDLength || !utf8.ValidString(s) {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) < 0
}

// IDParams rejects requests whose named path parameters are not valid ids.
func IDParams(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, n := range names {
			if v := c.Param(n); v != "" && !ID(v) {
				apperr.Respond(c, apperr.Validation("invalid %s", n))
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// DisplayName trims s, drops control characters and checks its length.
func DisplayName(s string) (string, error) {
	s = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
	switch {
	case s == "":
		return "", apperr.Validation("displayName is required")
	case utf8.RuneCountInString(s) > MaxDisplayNameRune:
		return "", apperr.Validation("displayName must be at most %d characters", MaxDisplayNameRune)
	}
	return s, nil
}
