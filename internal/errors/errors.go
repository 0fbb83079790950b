package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinels used with Mark. Compare with errors.Is.
var (
	ErrNotFound         = new(ErrCodeNotFound, "resource not found")
	ErrAlreadyExists    = new(ErrCodeAlreadyExists, "resource already exists")
	ErrValidation       = new(ErrCodeValidation, "validation error")
	ErrInvalidOperation = new(ErrCodeInvalidOperation, "invalid operation")
	ErrDatabase         = new(ErrCodeDatabase, "database error")
	ErrHTTPClient       = new(ErrCodeHTTPClient, "http client error")

	// reconciliation taxonomy
	ErrMappingNotFound          = new(ErrCodeMappingNotFound, "plan mapping not found")
	ErrDuplicateMaterialization = new(ErrCodeDuplicateMaterialization, "order already materialized")
	ErrProviderTimeout          = new(ErrCodeProviderTimeout, "payment provider timed out")
	ErrProviderRejected         = new(ErrCodeProviderRejected, "payment provider rejected the request")
	ErrInvalidTrackingKey       = new(ErrCodeInvalidTrackingKey, "invalid tracking key")
	ErrPaymentMethodInactive    = new(ErrCodePaymentMethodInactive, "payment method inactive")
	ErrContactNotLinked         = new(ErrCodeContactNotLinked, "contact not linked")
	ErrLockBusy                 = new(ErrCodeLockBusy, "resource is locked")

	statusCodeMap = map[error]int{
		ErrNotFound:                 http.StatusNotFound,
		ErrAlreadyExists:            http.StatusConflict,
		ErrValidation:               http.StatusBadRequest,
		ErrInvalidOperation:         http.StatusBadRequest,
		ErrDatabase:                 http.StatusInternalServerError,
		ErrHTTPClient:               http.StatusBadGateway,
		ErrMappingNotFound:          http.StatusUnprocessableEntity,
		ErrDuplicateMaterialization: http.StatusOK,
		ErrProviderTimeout:          http.StatusGatewayTimeout,
		ErrProviderRejected:         http.StatusPaymentRequired,
		ErrInvalidTrackingKey:       http.StatusBadRequest,
		ErrPaymentMethodInactive:    http.StatusConflict,
		ErrContactNotLinked:         http.StatusUnprocessableEntity,
		ErrLockBusy:                 http.StatusConflict,
	}
)

const (
	ErrCodeNotFound                 = "not_found"
	ErrCodeAlreadyExists            = "already_exists"
	ErrCodeValidation               = "validation_error"
	ErrCodeInvalidOperation         = "invalid_operation"
	ErrCodeDatabase                 = "database_error"
	ErrCodeHTTPClient               = "http_client_error"
	ErrCodeMappingNotFound          = "mapping_not_found"
	ErrCodeDuplicateMaterialization = "duplicate_materialization"
	ErrCodeProviderTimeout          = "provider_timeout"
	ErrCodeProviderRejected         = "provider_rejected"
	ErrCodeInvalidTrackingKey       = "invalid_tracking_key"
	ErrCodePaymentMethodInactive    = "payment_method_inactive"
	ErrCodeContactNotLinked         = "contact_not_linked"
	ErrCodeLockBusy                 = "lock_busy"
)

// InternalError is a coded domain error.
type InternalError struct {
	Code    string
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}
	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}
	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{Code: code, Message: message}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsMappingNotFound(err error) bool {
	return errors.Is(err, ErrMappingNotFound)
}

func IsLockBusy(err error) bool {
	return errors.Is(err, ErrLockBusy)
}

// Code returns the taxonomy code marked on err, or "internal_error".
func Code(err error) string {
	for e := range statusCodeMap {
		if errors.Is(err, e) {
			return e.(*InternalError).Code
		}
	}
	return "internal_error"
}

func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Hint returns the operator-facing hints attached to err, joined.
func Hint(err error) string {
	return errors.FlattenHints(err)
}
