// Package helpers provides internal HTTP utilities for x402 protocol handling.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/encoding"
)

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// ErrNilPayment is returned when payment is nil in BuildPaymentHeader.
var ErrNilPayment = errors.New("payment is nil")

// SendPaymentRequired writes a 402 Payment Required response with the given body.
// Returns an error if JSON encoding fails.
func SendPaymentRequired(w http.ResponseWriter, body *x402.PaymentRequired) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with settlement information.
// Returns an error if settlement is nil or encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(settlement.Settlement())
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(x402.HeaderPaymentResponse, encoded)
	return nil
}

// ParsePaymentRequirements extracts PaymentRequired from a 402 response body.
// Returns an error if resp or resp.Body is nil.
func ParsePaymentRequirements(resp *http.Response) (*x402.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, x402.NewPaymentError(x402.KindPaymentFailed, "missing response or body", x402.ErrInvalidRequirements).
			WithCode(x402.ErrCodeInvalidRequirements)
	}

	var paymentReq x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		return nil, x402.NewPaymentError(x402.KindPaymentFailed, "failed to decode payment requirements", err).
			WithCode(x402.ErrCodeInvalidRequirements)
	}

	if len(paymentReq.Accepts) == 0 {
		return nil, x402.NewPaymentError(x402.KindPaymentFailed, "no payment requirements in response", x402.ErrInvalidRequirements).
			WithCode(x402.ErrCodeInvalidRequirements)
	}

	return &paymentReq, nil
}

// ParseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *x402.SettlementResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// BuildPaymentHeader creates the X-PAYMENT header value from a PaymentPayload.
// Returns an error if payment is nil or encoding fails.
func BuildPaymentHeader(payment *x402.PaymentPayload) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("BuildPaymentHeader: %w", ErrNilPayment)
	}
	encoded, err := encoding.EncodePayment(*payment)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode payment: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
