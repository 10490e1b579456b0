package gin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// SubjectContextKey is the gin context key holding the authenticated token subject.
const SubjectContextKey = "x402_subject"

// TokenValidator validates HMAC-signed bearer tokens issued to resource
// servers that call the facilitator.
type TokenValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// TokenOption configures a TokenValidator.
type TokenOption func(*TokenValidator)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) TokenOption {
	return func(v *TokenValidator) {
		v.issuer = issuer
	}
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) TokenOption {
	return func(v *TokenValidator) {
		v.audience = audience
	}
}

// NewTokenValidator creates a validator for HS256 tokens signed with secret.
func NewTokenValidator(secret []byte, opts ...TokenOption) (*TokenValidator, error) {
	if len(secret) == 0 {
		return nil, errors.New("x402: empty token secret")
	}
	v := &TokenValidator{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate parses token and returns its claims. Tokens must carry an
// expiry and a subject.
func (v *TokenValidator) Validate(token string) (*jwt.RegisteredClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// Sign issues a token for subject. It is used by operators to provision
// resource servers and by tests.
func (v *TokenValidator) Sign(claims jwt.RegisteredClaims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	if len(claims.Audience) == 0 && v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerAuth rejects requests without a valid bearer token. A nil validator
// rejects every request.
func BearerAuth(validator *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, x402.KindUnauthorized, "Missing Authorization header")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || token == "" {
			unauthorized(c, x402.KindUnauthorized, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if validator == nil {
			unauthorized(c, x402.KindUnauthorized, "Authentication not configured")
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			unauthorized(c, x402.KindInvalidAPIKey, "Invalid or expired token")
			return
		}
		c.Set(SubjectContextKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, kind x402.Kind, message string) {
	c.Header("WWW-Authenticate", `Bearer realm="x402-facilitator"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: message, Kind: kind})
}
