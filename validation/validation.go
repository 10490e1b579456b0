// Package validation provides structural validation for x402 payment data.
// It validates amounts, networks, addresses, payment proofs and the optional
// JSON Schema describing a resource's output.
package validation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateAmount validates that an amount string is a positive base-10 integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be positive, got: %s", amount)
	}
	return nil
}

// ValidateNetwork validates a wire network identifier.
func ValidateNetwork(network string) error {
	_, err := x402.ValidateNetwork(network)
	return err
}

// ValidateAddress validates an address based on the network type.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil
	case x402.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		return nil
	default:
		return fmt.Errorf("unsupported network type for address validation: %s", networkType)
	}
}

// ValidatePaymentRequirements validates the fields every requirement needs.
// Address formats are checked separately by ValidateRequirementAddresses so
// that test networks with symbolic accounts can still be described.
func ValidatePaymentRequirements(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}
	if req.PayTo == "" {
		return fmt.Errorf("invalid requirements: payTo cannot be empty")
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirements: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	if req.OutputSchema != nil {
		if err := ValidateOutputSchema(req.OutputSchema); err != nil {
			return fmt.Errorf("invalid requirements: %w", err)
		}
	}
	return nil
}

// ValidateRequirementAddresses checks payTo and asset against the network's
// address format.
func ValidateRequirementAddresses(req x402.PaymentRequirements) error {
	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}
	if !x402.IsNativeAsset(req.Asset) {
		if err := ValidateAddress(req.Asset, req.Network); err != nil {
			return fmt.Errorf("invalid requirements: asset %w", err)
		}
	}
	return nil
}

// ValidatePaymentPayload validates the shape of a payment proof. The protocol
// version is not checked here; callers report it separately.
func ValidatePaymentPayload(payload x402.PaymentPayload) error {
	if payload.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}
	if payload.Network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	p := payload.Payload
	if strings.TrimSpace(p.From) == "" {
		return fmt.Errorf("payload.from cannot be empty")
	}
	if strings.TrimSpace(p.To) == "" {
		return fmt.Errorf("payload.to cannot be empty")
	}
	if err := ValidateAmount(p.Amount); err != nil {
		return fmt.Errorf("payload.amount: %w", err)
	}
	if p.Timestamp < 0 {
		return fmt.Errorf("payload.timestamp cannot be negative")
	}

	hasSig := p.Signature != ""
	hasTx := p.UnsignedTransaction != ""
	switch {
	case hasSig && hasTx:
		return fmt.Errorf("payload must carry either signature or unsigned_transaction, not both")
	case !hasSig && !hasTx:
		return fmt.Errorf("payload must carry signature or unsigned_transaction")
	}
	return nil
}

// ValidatePaymentRequired validates a complete 402 response structure.
func ValidatePaymentRequired(pr x402.PaymentRequired) error {
	if pr.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, x402.X402Version)
	}
	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}
	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}
	return nil
}

// ValidateOutputSchema checks that schema compiles as a JSON Schema.
func ValidateOutputSchema(schema map[string]interface{}) error {
	_, err := compileSchema(schema)
	return err
}

// ValidateOutput validates a JSON response body against a requirement's
// output schema. A nil schema accepts anything.
func ValidateOutput(schema map[string]interface{}, body []byte) error {
	if schema == nil {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}

func compileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("outputSchema.json", string(data))
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	return compiled, nil
}
