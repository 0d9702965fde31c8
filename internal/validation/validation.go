// Package validation holds request input checks shared by the HTTP handlers.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength caps free-text fields before the service applies its own
// configured limits.
const MaxStringLength = 4096

var (
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	// Fiat ISO codes and asset tickers, in either case.
	codeRegex = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
)

// RequestSizeMiddleware limits request body size. A declared Content-Length
// over the limit is refused before the handler runs.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the size limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 0x-prefixed 20-byte hex
// address. Checksums are not enforced.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsCode reports whether s looks like a currency or asset code.
func IsCode(s string) bool {
	return codeRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops control characters other than
// newline and tab, and truncates to maxLen bytes on a rune boundary.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every check and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional address field. Pair it with Required.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidCode checks an optional currency or asset code field.
func ValidCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsCode(value) {
			return &ValidationError{Field: field, Message: "must be 2-10 letters or digits"}
		}
		return nil
	}
}

// PathParamMiddleware rejects malformed :address and :currency URL
// parameters before they reach a handler.
func PathParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		if cur := c.Param("currency"); cur != "" && !IsCode(cur) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "currency must be 2-10 letters or digits",
			})
			return
		}
		c.Next()
	}
}
