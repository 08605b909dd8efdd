package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/deposit-custody/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents an unresolvable caller
	CategoryAuth ErrorCategory = "auth"
	// CategoryValidation represents malformed input; never retried
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents a missing resource
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents a uniqueness conflict visible to the user
	CategoryConflict ErrorCategory = "conflict"
	// CategoryLedger represents datastore failures behind the ledger
	CategoryLedger ErrorCategory = "ledger"
	// CategoryProvider represents chain RPC or HTTP provider failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryRateLimit represents throttling, local or upstream
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryCrypto represents key encryption or decryption failures
	CategoryCrypto ErrorCategory = "crypto"
	// CategorySystem represents anything else
	CategorySystem ErrorCategory = "system"
)

// ErrDuplicateKey is returned by the idempotency store when a transaction hash
// was already recorded. Callers treat it as "already processed".
var ErrDuplicateKey = stderrors.New("duplicate key")

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError. Causes are never exposed.
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewAuthError creates an error for an unresolvable caller
func NewAuthError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewValidationError creates an error for a malformed parameter
func NewValidationError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    reason,
		Details: map[string]interface{}{
			"parameter": param,
		},
	}
}

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    "invalid wallet address format",
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInsufficientBalanceError creates an error for a debit larger than the balance
func NewInsufficientBalanceError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INSUFFICIENT_BALANCE",
		Message:    "insufficient balance",
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error for API callers
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewLedgerUnavailableError wraps a datastore failure
func NewLedgerUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "LEDGER_UNAVAILABLE",
		Message:    "ledger temporarily unavailable",
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewChainProviderError wraps an RPC, timeout or HTTP failure from a chain provider
func NewChainProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_PROVIDER_ERROR",
		Message:    "blockchain provider unavailable",
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderRateLimitError creates a provider rate limit error
func NewProviderRateLimitError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_RATE_LIMIT",
		Message:    "blockchain provider rate limit exceeded",
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewCryptoError wraps a key encryption or decryption failure
func NewCryptoError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCrypto,
		StatusCode: http.StatusInternalServerError,
		Code:       "CRYPTO_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are found with errors.As.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// IsCategory reports whether err carries the given category anywhere in its chain
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Category == category
}

// IsDuplicateKey reports whether err is an idempotency race
func IsDuplicateKey(err error) bool {
	return stderrors.Is(err, ErrDuplicateKey)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryLedger:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

