// Package errs defines the error taxonomy shared by the service's HTTP
// surface, task workers, and marketplace client. Every error that crosses a
// package boundary carries a stable machine code and the HTTP status used
// when it surfaces through the API.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Codes of the taxonomy. These are wire-visible and must not change.
const (
	CodeSyncInProgress         = "SYNC_IN_PROGRESS"
	CodeSyncNotFound           = "SYNC_NOT_FOUND"
	CodeItemNotFound           = "INVENTORY_ITEM_NOT_FOUND"
	CodeItemMissingExternalID  = "INVENTORY_ITEM_MISSING_EXTERNAL_ID"
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeMarketplaceUnavailable = "MARKETPLACE_SERVICE_UNAVAILABLE"
	CodeMarketplaceAPI         = "MARKETPLACE_API_ERROR"
	CodeWebhookValidation      = "WEBHOOK_VALIDATION_ERROR"
	CodeTokenDecryption        = "TOKEN_DECRYPTION_ERROR"
	CodeInsufficientQuantity   = "INSUFFICIENT_QUANTITY"
	CodeBlueprintNotFound      = "BLUEPRINT_NOT_FOUND"
	CodeDatabase               = "DATABASE_ERROR"
	CodeConfiguration          = "CONFIGURATION_ERROR"
	CodeAccountNotConnected    = "ACCOUNT_NOT_CONNECTED"
	CodeForbidden              = "FORBIDDEN"
)

var statusOf = map[string]int{
	CodeSyncInProgress:         http.StatusConflict,
	CodeSyncNotFound:           http.StatusNotFound,
	CodeItemNotFound:           http.StatusNotFound,
	CodeItemMissingExternalID:  http.StatusBadRequest,
	CodeNotFound:               http.StatusNotFound,
	CodeValidation:             http.StatusUnprocessableEntity,
	CodeRateLimitExceeded:      http.StatusTooManyRequests,
	CodeMarketplaceUnavailable: http.StatusServiceUnavailable,
	CodeMarketplaceAPI:         http.StatusBadGateway,
	CodeWebhookValidation:      http.StatusUnauthorized,
	CodeTokenDecryption:        http.StatusInternalServerError,
	CodeInsufficientQuantity:   http.StatusConflict,
	CodeBlueprintNotFound:      http.StatusNotFound,
	CodeDatabase:               http.StatusInternalServerError,
	CodeConfiguration:          http.StatusInternalServerError,
	CodeAccountNotConnected:    http.StatusBadRequest,
	CodeForbidden:              http.StatusForbidden,
}

// E is a coded error. Context carries structured detail rendered into API
// error bodies (for example the fresh availability on an insufficient
// quantity conflict).
type E struct {
	CodeV   string
	Message string
	Context map[string]any
	Cause   error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.CodeV, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.CodeV, e.Message)
}

func (e *E) Unwrap() error { return e.Cause }

// New builds a coded error with a formatted message.
func New(code, format string, args ...any) *E {
	return &E{CodeV: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error around a cause.
func Wrap(cause error, code, format string, args ...any) *E {
	return &E{CodeV: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// With attaches a context key to the error and returns it.
func (e *E) With(key string, value any) *E {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Code extracts the taxonomy code of err, or a generic fallback when err
// carries none.
func Code(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.CodeV
	}
	return "INTERNAL_ERROR"
}

// Status maps err to the HTTP status it surfaces with.
func Status(err error) int {
	var e *E
	if errors.As(err, &e) {
		if s, ok := statusOf[e.CodeV]; ok {
			return s
		}
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	var e *E
	return errors.As(err, &e) && e.CodeV == code
}

// Context extracts the context bag of err, or nil.
func Context(err error) map[string]any {
	var e *E
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}
