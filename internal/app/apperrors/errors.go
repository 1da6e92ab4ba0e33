// Package apperrors provides the control plane's unified error handling:
// a single ServiceError type carrying a stable kind, an HTTP status, and
// optional field-level details.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy surfaced across every interface (REST,
// discovery, CLI). It is distinct from Code: Code is a stable machine
// identifier, Kind is the coarse category used for status-code mapping and
// retry policy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindQuota          Kind = "quota"
	KindPrecondition   Kind = "precondition"
	KindUnavailable    Kind = "unavailable"
	KindOverload       Kind = "overload"
	KindInternal       Kind = "internal"
)

// Retryable reports whether callers may retry an error of this kind.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindOverload
}

// Code is a stable machine-readable identifier, grouped by numeric prefix
// within its kind.
type Code string

const (
	CodeValidationInvalidInput Code = "VAL_1001"
	CodeValidationMissingField Code = "VAL_1002"
	CodeValidationOutOfRange   Code = "VAL_1003"

	CodeAuthInvalidCredentials Code = "AUTH_2001"
	CodeAuthLocked             Code = "AUTH_2002"
	CodeAuthMFARequired        Code = "AUTH_2003"
	CodeAuthTokenExpired       Code = "AUTH_2004"
	CodeAuthTokenRevoked       Code = "AUTH_2005"
	CodeAuthForbidden          Code = "AUTH_2006"

	CodeNotFound Code = "RES_3001"

	CodeConflictUnique  Code = "RES_4001"
	CodeConflictStale   Code = "RES_4002"
	CodeConflictInUse   Code = "RES_4003"

	CodeQuotaExceeded Code = "LIM_5001"

	CodePreconditionCAAbsent    Code = "PRE_6001"
	CodePreconditionCAExpired  Code = "PRE_6002"
	CodePreconditionRevoked    Code = "PRE_6003"
	CodePreconditionDegraded   Code = "PRE_6004"
	CodePreconditionRotating   Code = "PRE_6005"

	CodeUnavailableStore   Code = "UNAV_7001"
	CodeUnavailableLicense Code = "UNAV_7002"

	CodeOverload Code = "OVL_8001"

	CodeInternal Code = "INT_9001"
)

// ServiceError is the structured error type returned by every component.
type ServiceError struct {
	Kind       Kind
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a field-level detail and returns the receiver for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func httpStatusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuota:
		return http.StatusPaymentRequired
	case KindPrecondition:
		return http.StatusPreconditionFailed
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindOverload:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New creates a ServiceError, deriving the HTTP status from kind.
func New(kind Kind, code Code, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: httpStatusFor(kind)}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(kind Kind, code Code, message string, err error) *ServiceError {
	se := New(kind, code, message)
	se.Err = err
	return se
}

// Convenience constructors mirroring spec.md §7's error kinds.

func Validation(field, reason string) *ServiceError {
	return New(KindValidation, CodeValidationInvalidInput, "validation failed").
		WithDetails("field", field).WithDetails("reason", reason)
}

func NotFound(resource, id string) *ServiceError {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(KindConflict, CodeConflictUnique, message)
}

func StaleWrite(currentVersion int) *ServiceError {
	return New(KindConflict, CodeConflictStale, "stale write: entity has been modified").
		WithDetails("current_version", currentVersion)
}

func InUse(message string) *ServiceError {
	return New(KindConflict, CodeConflictInUse, message)
}

func InvalidCredentials() *ServiceError {
	return New(KindAuthentication, CodeAuthInvalidCredentials, "invalid credentials")
}

func Locked(retryAfterSeconds int) *ServiceError {
	return New(KindAuthentication, CodeAuthLocked, "account locked due to repeated failed logins").
		WithDetails("retry_after_seconds", retryAfterSeconds)
}

func MFARequired() *ServiceError {
	return New(KindAuthentication, CodeAuthMFARequired, "multi-factor authentication code required")
}

func TokenExpired() *ServiceError {
	return New(KindAuthentication, CodeAuthTokenExpired, "token has expired")
}

func TokenRevoked() *ServiceError {
	return New(KindAuthentication, CodeAuthTokenRevoked, "token has been revoked")
}

func Forbidden(message string) *ServiceError {
	return New(KindAuthorization, CodeAuthForbidden, message)
}

func QuotaExceeded(limit int) *ServiceError {
	return New(KindQuota, CodeQuotaExceeded, "licensed quota exceeded").
		WithDetails("limit", limit)
}

func CAAbsent(clusterID string) *ServiceError {
	return New(KindPrecondition, CodePreconditionCAAbsent, "cluster has no active CA").
		WithDetails("cluster_id", clusterID)
}

func CAExpired(clusterID string) *ServiceError {
	return New(KindPrecondition, CodePreconditionCAExpired, "cluster CA has expired").
		WithDetails("cluster_id", clusterID)
}

func Degraded() *ServiceError {
	return New(KindPrecondition, CodePreconditionDegraded, "license verdict degraded: privileged mutation denied")
}

func RotationInProgress(clusterID string) *ServiceError {
	return New(KindPrecondition, CodePreconditionRotating, "rotation already in progress").
		WithDetails("cluster_id", clusterID)
}

func Unavailable(message string, err error) *ServiceError {
	return Wrap(KindUnavailable, CodeUnavailableStore, message, err)
}

func LicenseUnavailable(err error) *ServiceError {
	return Wrap(KindUnavailable, CodeUnavailableLicense, "license service unreachable", err)
}

func Overload(message string) *ServiceError {
	return New(KindOverload, CodeOverload, message)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, CodeInternal, message, err)
}

// IsServiceError reports whether err's chain contains a *ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// GetServiceError extracts a *ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// GetHTTPStatus returns the HTTP status for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetKind returns the Kind for err, defaulting to KindInternal.
func GetKind(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}
