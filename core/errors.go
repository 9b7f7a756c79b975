package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BillingErrorBadInput        = "BILLING_BAD_INPUT"
	BillingErrorUnauthorized    = "BILLING_UNAUTHORIZED"
	BillingErrorDuplicate       = "BILLING_DUPLICATE_DELIVERY"
	BillingErrorUpstreamFailure = "BILLING_UPSTREAM_FAILURE"
	BillingErrorStorageFailure  = "BILLING_STORAGE_FAILURE"
	BillingErrorProcessing      = "BILLING_PROCESSING_FAILED"
	BillingErrorMissingConfig   = "BILLING_MISSING_CONFIG"
	BillingErrorInternal        = "BILLING_INTERNAL_ERROR"
)

// ErrDuplicateDelivery marks a repeated webhook delivery. Callers treat it as
// success, never as a failure.
var ErrDuplicateDelivery = goerrors.New("core: duplicate delivery", goerrors.CategoryConflict).
	WithCode(http.StatusOK).
	WithTextCode(BillingErrorDuplicate)

func ErrMissingConfig(message string) error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusInternalServerError).
		WithTextCode(BillingErrorMissingConfig)
}

func IsMissingConfig(err error) bool {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode == BillingErrorMissingConfig
	}
	return false
}

func IsDuplicateDelivery(err error) bool {
	if errors.Is(err, ErrDuplicateDelivery) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode == BillingErrorDuplicate
	}
	return false
}

// TransientUpstreamError tags a 5xx/network failure so retry loops can tell it
// apart from permanent upstream rejections.
func TransientUpstreamError(message string, cause error) error {
	if cause == nil {
		return goerrors.New(message, goerrors.CategoryExternal).
			WithCode(http.StatusBadGateway).
			WithTextCode(BillingErrorUpstreamFailure)
	}
	return goerrors.Wrap(cause, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(BillingErrorUpstreamFailure)
}

func IsTransientUpstream(err error) bool {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.Category == goerrors.CategoryExternal
	}
	return false
}

func billingErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBillingErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"):
		return newBillingError(err.Error(), goerrors.CategoryAuth, BillingErrorUnauthorized)
	case strings.Contains(msg, "duplicate"):
		return newBillingError(err.Error(), goerrors.CategoryConflict, BillingErrorDuplicate)
	case strings.Contains(msg, "upstream"), strings.Contains(msg, "timeout"):
		return newBillingError(err.Error(), goerrors.CategoryExternal, BillingErrorUpstreamFailure)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newBillingError(err.Error(), goerrors.CategoryBadInput, BillingErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBillingErrorEnvelope(mapped)
}

func newBillingError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureBillingErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureBillingErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = billingHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBillingTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBillingTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return BillingErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return BillingErrorUnauthorized
	case goerrors.CategoryConflict:
		return BillingErrorDuplicate
	case goerrors.CategoryExternal:
		return BillingErrorUpstreamFailure
	case goerrors.CategoryOperation:
		return BillingErrorProcessing
	default:
		return BillingErrorInternal
	}
}

func billingHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
