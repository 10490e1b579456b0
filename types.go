// Package x402 implements the core of the x402 pay-per-request protocol.
//
// A resource server answers an unpaid request with HTTP 402 and a list of
// payment requirements. The client pays on-chain and retries with an
// X-PAYMENT header; a facilitator verifies and settles that payment before
// the resource is released together with an X-PAYMENT-RESPONSE header.
//
// Import path: github.com/Blessedbiello/402pay-sub001
package x402

import (
	"math/big"
)

// Protocol version constant
const X402Version = 1

// SchemeExact is the only supported payment scheme: the payment must equal the
// required amount.
const SchemeExact = "exact"

// NativeAsset is the asset alias for a chain's native currency. An empty asset
// string means the same thing.
const NativeAsset = "native"

// Header names used on the HTTP surface.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// HeaderPaymentRequirements echoes the requirement a payment answers, so
	// the resource server can recover the nonce it issued.
	HeaderPaymentRequirements = "X-PAYMENT-REQUIREMENTS"
)

// Stable reason strings reported by verification and settlement.
const (
	ReasonUnsupportedVersion = "unsupported version"
	ReasonInvalidPayload     = "invalid payload"
	ReasonSchemeMismatch     = "scheme mismatch"
	ReasonNetworkMismatch    = "network mismatch"
	ReasonAmountMismatch     = "amount mismatch"
	ReasonRecipientMismatch  = "recipient mismatch"
	ReasonCurrencyMismatch   = "currency mismatch"
	ReasonExpired            = "expired"
	ReasonReplay             = "replay"
	ReasonInvalidSignature   = "invalid signature"
	ReasonNotConfirmed       = "transaction not confirmed"
	ReasonAlreadySettled     = "already settled"
	ReasonSettlementFailed   = "settlement failed"
	ReasonUnsupportedNetwork = "unsupported network"
)

// PaymentRequirements defines a single acceptable payment option.
// This is an element in the "accepts" array of PaymentRequired.
//
// The issuing nonce and expiry travel in Extra under "nonce" and "expiresAt";
// use Nonce and ExpiresAt to read them.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (always "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "solana-devnet").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units as a base-10 string.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token mint (Solana) or contract (EVM). Empty means native.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL or identifier of the protected resource.
	Resource string `json:"resource"`

	// Description is a human-readable description of the resource.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// OutputSchema optionally describes the response body as a JSON Schema.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// MaxTimeoutSeconds bounds how long settlement may take.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent by resource servers.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`
}

// PaymentPayload is sent by clients, base64 encoded in the X-PAYMENT header.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme that was used.
	Scheme string `json:"scheme"`

	// Network is the network the payment was made on.
	Network string `json:"network"`

	// Payload carries the scheme-specific proof.
	Payload ExactPayload `json:"payload"`
}

// ExactPayload is the proof for the "exact" scheme. Exactly one of Signature
// (the client already submitted the transfer) or UnsignedTransaction (the
// facilitator co-signs and submits) is set.
type ExactPayload struct {
	// From is the payer address.
	From string `json:"from"`

	// To is the recipient address.
	To string `json:"to"`

	// Amount is the transferred amount in atomic units.
	Amount string `json:"amount"`

	// Mint is the token mint or contract. Omitted for native transfers.
	Mint string `json:"mint,omitempty"`

	// Timestamp is when the proof was created, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Signature is the on-chain transaction signature or hash.
	Signature string `json:"signature,omitempty"`

	// UnsignedTransaction is a base64 transaction partially signed by the payer.
	UnsignedTransaction string `json:"unsigned_transaction,omitempty"`
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason is one of the Reason* strings if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
type SettleResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// Error is one of the Reason* strings if settlement did not succeed.
	Error string `json:"error,omitempty"`

	// TxHash is the on-chain transaction signature.
	TxHash string `json:"txHash"`

	// NetworkID is the network the payment was settled on.
	NetworkID string `json:"networkId"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettlementResponse is sent to clients, base64 encoded in the
// X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Settlement converts a facilitator settle result to the header form.
func (r *SettleResponse) Settlement() SettlementResponse {
	return SettlementResponse{
		Success:     r.Success,
		Transaction: r.TxHash,
		Network:     r.NetworkID,
		Payer:       r.Payer,
		ErrorReason: r.Error,
	}
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the network identifier.
	Network string `json:"network"`

	// FeePayer is the facilitator's fee payer for gasless payments, if any.
	FeePayer string `json:"feePayer,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// TokenConfig defines a token supported by a payer.
type TokenConfig struct {
	// Address is the token contract address (EVM) or mint address (Solana).
	// Empty for the native asset.
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority is the token's priority level within the payer.
	// Lower numbers indicate higher priority (1 > 2 > 3).
	Priority int
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

// ParseAtomicAmount parses a base-10 integer amount string. Zero and negative
// values are rejected.
func ParseAtomicAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// IsNativeAsset reports whether asset names the chain's native currency.
func IsNativeAsset(asset string) bool {
	return asset == "" || asset == NativeAsset
}

// SameAsset reports whether two asset identifiers refer to the same asset.
// EVM contract addresses compare case-insensitively; Solana mints are exact.
func SameAsset(a, b string) bool {
	if IsNativeAsset(a) || IsNativeAsset(b) {
		return IsNativeAsset(a) && IsNativeAsset(b)
	}
	if isHexAddress(a) && isHexAddress(b) {
		return equalFold(a, b)
	}
	return a == b
}

// SameAddress compares two account addresses with the same rules as SameAsset.
func SameAddress(a, b string) bool {
	if isHexAddress(a) && isHexAddress(b) {
		return equalFold(a, b)
	}
	return a == b
}
