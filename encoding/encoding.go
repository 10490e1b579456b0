// Package encoding provides utilities for encoding and decoding x402 payment data.
// It handles base64 and JSON marshaling for payment payloads, settlements, and requirements.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// EncodePayment converts a PaymentPayload to base64-encoded JSON string.
// This is the X-PAYMENT header value.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode(payment, "payment")
}

// DecodePayment converts an X-PAYMENT header value to PaymentPayload.
// Failures wrap x402.ErrMalformedHeader.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload
	if err := decode(encoded, &payment, "payment"); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	return payment, nil
}

// EncodeSettlement converts a SettlementResponse to base64-encoded JSON string.
// This is the X-PAYMENT-RESPONSE header value.
func EncodeSettlement(settlement x402.SettlementResponse) (string, error) {
	return encode(settlement, "settlement")
}

// DecodeSettlement converts an X-PAYMENT-RESPONSE header value to SettlementResponse.
func DecodeSettlement(encoded string) (x402.SettlementResponse, error) {
	var settlement x402.SettlementResponse
	err := decode(encoded, &settlement, "settlement")
	return settlement, err
}

// EncodeRequirements converts PaymentRequired to base64-encoded JSON.
// Used where the 402 body has to travel in metadata rather than a body.
func EncodeRequirements(requirements x402.PaymentRequired) (string, error) {
	return encode(requirements, "requirements")
}

// DecodeRequirements converts base64-encoded JSON to PaymentRequired.
func DecodeRequirements(encoded string) (x402.PaymentRequired, error) {
	var requirements x402.PaymentRequired
	err := decode(encoded, &requirements, "requirements")
	return requirements, err
}

// EncodeRequirement converts a single requirement to base64-encoded JSON.
// This is the X-PAYMENT-REQUIREMENTS header value.
func EncodeRequirement(requirement x402.PaymentRequirements) (string, error) {
	return encode(requirement, "requirement")
}

// DecodeRequirement converts an X-PAYMENT-REQUIREMENTS header value to a
// requirement.
func DecodeRequirement(encoded string) (x402.PaymentRequirements, error) {
	var requirement x402.PaymentRequirements
	err := decode(encoded, &requirement, "requirement")
	return requirement, err
}

// EncodeVerifyResponse converts a VerifyResponse to base64-encoded JSON string.
func EncodeVerifyResponse(response x402.VerifyResponse) (string, error) {
	return encode(response, "verify response")
}

// DecodeVerifyResponse converts a base64-encoded JSON string to VerifyResponse.
func DecodeVerifyResponse(encoded string) (x402.VerifyResponse, error) {
	var response x402.VerifyResponse
	err := decode(encoded, &response, "verify response")
	return response, err
}

func encode(v interface{}, what string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(encoded string, v interface{}, what string) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("empty %s", what)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return fmt.Errorf("failed to decode base64: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}
