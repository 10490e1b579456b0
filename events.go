package x402

import "time"

// PaymentEventType is a step in the life of a payment.
type PaymentEventType string

// Attempt, success and failure are reported by the paying client. Verified,
// settled and rejected are reported by a paywall gating a route, whether it
// is served over net/http, Gin or gRPC.
const (
	PaymentEventAttempt PaymentEventType = "attempt"
	PaymentEventSuccess PaymentEventType = "success"
	PaymentEventFailure PaymentEventType = "failure"

	PaymentEventVerified PaymentEventType = "verified"
	PaymentEventSettled  PaymentEventType = "settled"
	PaymentEventRejected PaymentEventType = "rejected"
)

// PaymentEvent describes one step. The requirement fields are empty when a
// payment was rejected before its requirement was resolved.
type PaymentEvent struct {
	Type      PaymentEventType
	Timestamp time.Time

	// Resource is the URL or gRPC method paid for.
	Resource string

	Network   string
	Scheme    string
	Amount    string
	Asset     string
	Recipient string
	Nonce     string

	Payer string

	// Transaction is the settlement signature or hash, once known.
	Transaction string

	// Reason is the invalid or error reason of a rejection.
	Reason string
	Error  error

	Duration time.Duration
}

// Describe copies the terms of req into e. A nil req leaves e unchanged.
func (e *PaymentEvent) Describe(req *PaymentRequirements) {
	if req == nil {
		return
	}
	e.Network = req.Network
	e.Scheme = req.Scheme
	e.Amount = req.MaxAmountRequired
	e.Asset = req.Asset
	e.Recipient = req.PayTo
	e.Nonce = req.Nonce()
}

// PaymentCallback receives events synchronously, on the goroutine paying or
// serving the request.
type PaymentCallback func(PaymentEvent)
