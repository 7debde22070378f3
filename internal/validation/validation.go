// Package validation collects field-level violations for requests and
// payout splits, and limits request size at the HTTP boundary.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
// (dispute descriptions, evidence, condition descriptions).
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError is a single field violation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is a collection of violations.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return strings.Join(e.Strings(), "; ")
}

// Strings renders each violation as "field: message".
func (e ValidationErrors) Strings() []string {
	out := make([]string, len(e))
	for i, v := range e {
		out[i] = v.String()
	}
	return out
}

// Validator checks one rule and returns a violation or nil.
type Validator func() *ValidationError

// Validate runs every validator and returns all violations.
func Validate(validators ...Validator) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) Validator {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) Validator {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Address checks a wallet address with a chain-specific checker.
// Empty values pass; combine with Required for mandatory fields.
func Address(field, value string, check func(string) error) Validator {
	return func() *ValidationError {
		if value == "" || check == nil {
			return nil
		}
		if err := check(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// Positive checks that a decimal amount is greater than zero.
func Positive(field string, value decimal.Decimal) Validator {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Between checks min <= value <= max.
func Between(field string, value, min, max decimal.Decimal) Validator {
	return func() *ValidationError {
		if value.LessThan(min) || value.GreaterThan(max) {
			return &ValidationError{Field: field, Message: "must be between " + min.String() + " and " + max.String()}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed values.
func OneOf(field, value string, allowed ...string) Validator {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Check adds a violation when ok is false.
func Check(field string, ok bool, message string) Validator {
	return func() *ValidationError {
		if !ok {
			return &ValidationError{Field: field, Message: message}
		}
		return nil
	}
}
