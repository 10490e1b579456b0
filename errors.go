package x402

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Sentinel errors for x402 payment operations.
var (
	// ErrNoValidPayer indicates no payer can satisfy the payment requirements.
	ErrNoValidPayer = errors.New("x402: no payer can satisfy payment requirements")

	// ErrAmountExceeded indicates the payment amount exceeds the per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrInvalidRequirements indicates the payment requirements from the server are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrNetworkError indicates a network error occurred during payment.
	ErrNetworkError = errors.New("x402: network error during payment")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidToken indicates invalid token configuration.
	ErrInvalidToken = errors.New("x402: invalid token configuration")

	// ErrInsufficientFunds indicates the payer balance is below the required amount.
	ErrInsufficientFunds = errors.New("x402: insufficient funds")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates payment settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrNetworkMismatch indicates none of the offered networks is configured locally.
	ErrNetworkMismatch = errors.New("x402: no offered network matches a configured payer")

	// ErrTransactionFailed indicates the on-chain transaction failed or never confirmed.
	ErrTransactionFailed = errors.New("x402: transaction failed")
)

// Kind is the closed set of failure categories. Every failure surfaced by this
// module maps to exactly one Kind.
type Kind string

const (
	KindNetworkError              Kind = "NetworkError"
	KindTimeout                   Kind = "Timeout"
	KindConnectionRefused         Kind = "ConnectionRefused"
	KindPaymentFailed             Kind = "PaymentFailed"
	KindPaymentExpired            Kind = "PaymentExpired"
	KindPaymentVerificationFailed Kind = "PaymentVerificationFailed"
	KindInsufficientFunds         Kind = "InsufficientFunds"
	KindAmountMismatch            Kind = "AmountMismatch"
	KindTransactionFailed         Kind = "TransactionFailed"
	KindInvalidSignature          Kind = "InvalidSignature"
	KindInvalidProof              Kind = "InvalidProof"
	KindReplayAttack              Kind = "ReplayAttack"
	KindNonceReused               Kind = "NonceReused"
	KindInvalidAPIKey             Kind = "InvalidApiKey"
	KindUnauthorized              Kind = "Unauthorized"
	KindRateLimitExceeded         Kind = "RateLimitExceeded"
	KindUnknown                   Kind = "UnknownError"
)

// Kinds lists every Kind.
func Kinds() []Kind {
	return []Kind{
		KindNetworkError, KindTimeout, KindConnectionRefused, KindPaymentFailed,
		KindPaymentExpired, KindPaymentVerificationFailed, KindInsufficientFunds,
		KindAmountMismatch, KindTransactionFailed, KindInvalidSignature,
		KindInvalidProof, KindReplayAttack, KindNonceReused, KindInvalidAPIKey,
		KindUnauthorized, KindRateLimitExceeded, KindUnknown,
	}
}

// Retryable reports the default retryability of the kind. TransactionFailed
// defaults to false; an unconfirmed-timeout failure overrides it per error.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkError, KindTimeout, KindConnectionRefused, KindRateLimitExceeded:
		return true
	case KindPaymentFailed, KindPaymentExpired, KindPaymentVerificationFailed,
		KindInsufficientFunds, KindAmountMismatch, KindTransactionFailed,
		KindInvalidSignature, KindInvalidProof, KindReplayAttack, KindNonceReused,
		KindInvalidAPIKey, KindUnauthorized, KindUnknown:
		return false
	default:
		return false
	}
}

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeNoValidPayer indicates no payer can satisfy requirements.
	ErrCodeNoValidPayer ErrorCode = "NO_VALID_PAYER"

	// ErrCodeAmountExceeded indicates payment exceeds limits.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInvalidRequirements indicates invalid server requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodeNetworkMismatch indicates no offered network is configured.
	ErrCodeNetworkMismatch ErrorCode = "NETWORK_MISMATCH"

	// ErrCodeUnsupportedScheme indicates unsupported payment scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates unsupported x402 protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"

	// ErrCodeSubmitFailed indicates the transaction could not be submitted.
	ErrCodeSubmitFailed ErrorCode = "SUBMIT_FAILED"

	// ErrCodeUnconfirmed indicates the transaction did not confirm in time.
	ErrCodeUnconfirmed ErrorCode = "UNCONFIRMED"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Kind is the failure category.
	Kind Kind

	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Retryable reports whether the operation may be retried.
	Retryable bool

	// RetryAfter is a server-provided hint for RateLimitExceeded.
	RetryAfter time.Duration

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a PaymentError with the kind's default retryability.
func NewPaymentError(kind Kind, message string, err error) *PaymentError {
	return &PaymentError{
		Kind:      kind,
		Message:   message,
		Retryable: kind.Retryable(),
		Err:       err,
		Details:   make(map[string]interface{}),
	}
}

// WithCode sets the programmatic error code.
func (e *PaymentError) WithCode(code ErrorCode) *PaymentError {
	e.Code = code
	return e
}

// WithRetryable overrides the kind's default retryability.
func (e *PaymentError) WithRetryable(retryable bool) *PaymentError {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records a retry-after hint.
func (e *PaymentError) WithRetryAfter(d time.Duration) *PaymentError {
	e.RetryAfter = d
	return e
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf classifies err into the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, ErrFacilitatorUnavailable), errors.Is(err, ErrNetworkError):
		return KindNetworkError
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrAmountExceeded):
		return KindAmountMismatch
	case errors.Is(err, ErrTransactionFailed):
		return KindTransactionFailed
	case errors.Is(err, ErrMalformedHeader):
		return KindInvalidProof
	case errors.Is(err, ErrVerificationFailed):
		return KindPaymentVerificationFailed
	case errors.Is(err, ErrSettlementFailed), errors.Is(err, ErrNoValidPayer), errors.Is(err, ErrNetworkMismatch):
		return KindPaymentFailed
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetworkError
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried. A PaymentError's own flag
// wins over its kind's default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return KindOf(err).Retryable()
}

// KindForStatus maps an HTTP status code returned by a remote service.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindInvalidAPIKey
	case status == http.StatusPaymentRequired:
		return KindPaymentFailed
	case status == http.StatusTooManyRequests:
		return KindRateLimitExceeded
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable:
		return KindNetworkError
	default:
		return KindUnknown
	}
}

// KindForReason maps a verification or settlement reason string.
func KindForReason(reason string) Kind {
	switch reason {
	case ReasonAmountMismatch, ReasonCurrencyMismatch:
		return KindAmountMismatch
	case ReasonExpired:
		return KindPaymentExpired
	case ReasonReplay:
		return KindReplayAttack
	case ReasonAlreadySettled:
		return KindNonceReused
	case ReasonInvalidSignature:
		return KindInvalidSignature
	case ReasonInvalidPayload:
		return KindInvalidProof
	case ReasonNotConfirmed, ReasonSettlementFailed:
		return KindTransactionFailed
	case ReasonUnsupportedVersion, ReasonSchemeMismatch, ReasonNetworkMismatch,
		ReasonRecipientMismatch, ReasonUnsupportedNetwork:
		return KindPaymentVerificationFailed
	default:
		return KindUnknown
	}
}

// ErrorForReason builds a PaymentError for a non-success reason. An
// unconfirmed transaction is retryable.
func ErrorForReason(reason string) *PaymentError {
	kind := KindForReason(reason)
	pe := NewPaymentError(kind, fmt.Sprintf("x402: %s", reason), nil).WithDetails("reason", reason)
	if reason == ReasonNotConfirmed {
		pe.WithCode(ErrCodeUnconfirmed).WithRetryable(true)
	}
	return pe
}
