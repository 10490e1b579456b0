package x402

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Keys of PaymentRequirements.Extra understood by this package.
const (
	ExtraNonce     = "nonce"
	ExtraExpiresAt = "expiresAt"
	ExtraFeePayer  = "feePayer"
)

// Nonce returns the issuing nonce carried in Extra, or "" if absent.
func (r *PaymentRequirements) Nonce() string {
	if r == nil || r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[ExtraNonce].(string)
	return s
}

// ExpiresAt returns the requirement expiry carried in Extra. The boolean is
// false when no expiry was issued.
//
// The value is unix milliseconds and may arrive as a JSON number or a string
// depending on how the requirement was decoded.
func (r *PaymentRequirements) ExpiresAt() (time.Time, bool) {
	if r == nil || r.Extra == nil {
		return time.Time{}, false
	}
	var ms int64
	switch v := r.Extra[ExtraExpiresAt].(type) {
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case float64:
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		ms = n
	default:
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FeePayer returns the facilitator fee payer advertised in Extra, or "".
func (r *PaymentRequirements) FeePayer() string {
	if r == nil || r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[ExtraFeePayer].(string)
	return s
}

// WithNonce returns a copy of r carrying the given nonce and expiry.
func (r PaymentRequirements) WithNonce(nonce string, expiresAt time.Time) PaymentRequirements {
	extra := make(map[string]interface{}, len(r.Extra)+2)
	for k, v := range r.Extra {
		extra[k] = v
	}
	extra[ExtraNonce] = nonce
	extra[ExtraExpiresAt] = expiresAt.UnixMilli()
	r.Extra = extra
	return r
}

// Expired reports whether the requirement's expiry has passed at now.
// Requirements without an expiry never expire.
func (r *PaymentRequirements) Expired(now time.Time) bool {
	exp, ok := r.ExpiresAt()
	return ok && now.After(exp)
}

func isHexAddress(s string) bool {
	return strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
