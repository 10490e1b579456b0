package guard

import (
	"crypto/sha256"
	"encoding/hex"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// KeyFor returns the nonce under which a payment is guarded: the
// requirement's issued nonce, or for requirements issued elsewhere, a key
// derived from the proof itself. It returns "" when neither is available.
func KeyFor(req *x402.PaymentRequirements, payload *x402.PaymentPayload) string {
	if nonce := req.Nonce(); nonce != "" {
		return nonce
	}
	if payload == nil {
		return ""
	}
	switch {
	case payload.Payload.Signature != "":
		return "sig:" + payload.Payload.Signature
	case payload.Payload.UnsignedTransaction != "":
		sum := sha256.Sum256([]byte(payload.Payload.UnsignedTransaction))
		return "tx:" + hex.EncodeToString(sum[:])
	}
	return ""
}
