// Package validation checks request inputs before they reach the ledger:
// owner addresses, item ids, uint256 amounts and free-form labels.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxNameLength bounds labels such as API key names.
const MaxNameLength = 255

// 2^256-1 has 78 digits; the slack admits leading zeros.
const maxDigits = 100

var validate = validator.New(validator.WithRequiredStructEnabled())

// RequestSizeMiddleware rejects bodies larger than maxSize once read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return validate.Var(addr, "eth_addr") == nil
}

// IsValidItemID reports whether s is a decimal token id below 2^256.
func IsValidItemID(s string) bool {
	_, ok := ParseUint256(s)
	return ok
}

// ParseUint256 parses an unsigned decimal. Signs, whitespace, hex and
// values of 2^256 or more are rejected.
func ParseUint256(s string) (*uint256.Int, bool) {
	if len(s) > maxDigits || validate.Var(s, "number") != nil {
		return nil, false
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// SanitizeString trims s, drops NUL bytes and truncates it to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizeAddress lowercases addr and adds a missing 0x prefix. It does not
// check the result; pair it with IsValidEthAddress.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) == 40 && !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every rejected field of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field, returning nil when it passes.
type Rule func() *FieldError

// Check runs every rule and returns the failures, or nil.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Abort writes a 400 listing errs.
func Abort(c *gin.Context, errs Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

func fail(field, msg string) *FieldError {
	return &FieldError{Field: field, Message: msg}
}

// Required rejects empty and blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// Address rejects a non-empty value that is not an address once sanitized.
func Address(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(SanitizeAddress(value)) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

// ItemID rejects a non-empty value that is not a token id.
func ItemID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidItemID(value) {
			return fail(field, "must be a non-negative integer below 2^256")
		}
		return nil
	}
}

// Uint256 rejects a non-empty value outside [0, 2^256).
func Uint256(field, value string) Rule {
	return ItemID(field, value)
}

// PositiveAmount rejects a non-empty value that is zero or not a uint256.
func PositiveAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		v, ok := ParseUint256(value)
		switch {
		case !ok:
			return fail(field, "invalid amount format")
		case v.IsZero():
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

// MaxLength rejects values longer than n bytes.
func MaxLength(field, value string, n int) Rule {
	return func() *FieldError {
		if len(value) > n {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// paramGuard aborts with 400 when the named route parameter is present and
// fails ok.
func paramGuard(name, code, msg string, ok func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !ok(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
			return
		}
		c.Next()
	}
}

// AddressParamMiddleware rejects a malformed :address before any handler runs.
func AddressParamMiddleware() gin.HandlerFunc {
	return paramGuard("address", "invalid_address",
		"address must be a valid Ethereum address (0x + 40 hex chars)", IsValidEthAddress)
}

// ItemParamMiddleware rejects a malformed :itemId.
func ItemParamMiddleware() gin.HandlerFunc {
	return paramGuard("itemId", "invalid_parameter",
		"itemId must be a non-negative integer below 2^256", IsValidItemID)
}
