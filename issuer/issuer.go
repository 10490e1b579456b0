// Package issuer builds the payment requirements a resource server returns
// with HTTP 402 and registers each requirement's nonce with the replay guard.
package issuer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/internal/telemetry"
	"github.com/Blessedbiello/402pay-sub001/validation"
)

const (
	nonceBytes        = 32
	maxNonceAttempts  = 5
	defaultMaxTimeout = 60
	defaultSweepEvery = time.Minute
)

var (
	// ErrNonceExhausted is returned when no unused nonce could be generated.
	ErrNonceExhausted = errors.New("issuer: could not generate an unused nonce")

	// ErrUnknownRequirement is returned by Recognize for requirements this
	// issuer did not issue.
	ErrUnknownRequirement = errors.New("issuer: requirement was not issued here")
)

// Resource describes the protected resource.
type Resource struct {
	URL          string
	Description  string
	MimeType     string
	OutputSchema map[string]interface{}
}

// Price is what must be paid, in the asset's smallest unit.
type Price struct {
	// Amount is a base-10 integer string.
	Amount string

	// Asset is the mint or contract; empty for the native asset.
	Asset string

	// Network is the wire network identifier.
	Network string

	// MaxTimeoutSeconds bounds settlement; zero uses the issuer default.
	MaxTimeoutSeconds int

	// Extra is copied into the requirement's extra object.
	Extra map[string]interface{}
}

// PaymentOption is one entry of a multi-option 402 body.
type PaymentOption struct {
	Price Price
	PayTo string
}

// Issuer issues requirements.
type Issuer struct {
	guard      guard.Store
	ttl        time.Duration
	maxTimeout int
	feePayers  map[string]string
	strict     bool
	sweepEvery time.Duration
	lastSweep  atomic.Int64
	now        func() time.Time
	random     io.Reader
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets how long issued requirements stay payable.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		i.ttl = d
	}
}

// WithMaxTimeoutSeconds sets the default settlement timeout for prices that
// do not carry one.
func WithMaxTimeoutSeconds(seconds int) Option {
	return func(i *Issuer) {
		i.maxTimeout = seconds
	}
}

// WithFeePayer advertises a facilitator fee payer for gasless payments on network.
func WithFeePayer(network, address string) Option {
	return func(i *Issuer) {
		i.feePayers[network] = address
	}
}

// WithStrictAddresses rejects payees and assets that are not well-formed for
// their network.
func WithStrictAddresses() Option {
	return func(i *Issuer) {
		i.strict = true
	}
}

// WithSweepInterval sets how often Issue removes expired outstanding nonces
// from the guard. Zero disables sweeping, e.g. when a facilitator sharing
// the store already runs a sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(i *Issuer) {
		i.sweepEvery = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithRandom overrides the nonce entropy source.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		i.random = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// New creates an Issuer that reserves nonces in store.
func New(store guard.Store, opts ...Option) *Issuer {
	i := &Issuer{
		guard:      store,
		ttl:        x402.DefaultTimeouts.RequirementTTL,
		maxTimeout: defaultMaxTimeout,
		sweepEvery: defaultSweepEvery,
		feePayers:  make(map[string]string),
		now:        time.Now,
		random:     rand.Reader,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = telemetry.Default()
	}
	i.logger = i.logger.With("component", "issuer")
	return i
}

// Issue builds a requirement for resource at price payable to payTo. The
// requirement carries a fresh nonce, registered as outstanding, and an expiry
// TTL from now.
func (i *Issuer) Issue(ctx context.Context, resource Resource, price Price, payTo string) (*x402.PaymentRequirements, error) {
	req, err := i.build(resource, price, payTo)
	if err != nil {
		return nil, err
	}

	now := i.now()
	i.maybeSweep(ctx, now)

	expiresAt := now.Add(i.ttl)
	nonce, err := i.reserveNonce(ctx, expiresAt)
	if err != nil {
		return nil, err
	}

	req = req.WithNonce(nonce, expiresAt)
	i.metrics.RecordIssued(ctx, req.Network)
	i.logger.DebugContext(ctx, "issued payment requirement",
		"resource", req.Resource,
		"network", req.Network,
		"amount", req.MaxAmountRequired,
		"expires_at", expiresAt,
	)
	return &req, nil
}

// Recognize checks that echoed, a requirement sent back by a client, was
// issued here for one of options. It returns the requirement rebuilt from the
// matching option with the echoed nonce and the expiry recorded in the guard,
// so that terms altered by the client never reach verification.
func (i *Issuer) Recognize(ctx context.Context, resource Resource, options []PaymentOption, echoed x402.PaymentRequirements) (*x402.PaymentRequirements, error) {
	nonce := echoed.Nonce()
	expiresAt, ok := echoed.ExpiresAt()
	if nonce == "" || !ok {
		return nil, fmt.Errorf("%w: missing nonce or expiry", ErrUnknownRequirement)
	}

	var match *PaymentOption
	for k := range options {
		opt := &options[k]
		if opt.Price.Network == echoed.Network &&
			opt.Price.Amount == echoed.MaxAmountRequired &&
			x402.SameAsset(opt.Price.Asset, echoed.Asset) &&
			x402.SameAddress(opt.PayTo, echoed.PayTo) {
			match = opt
			break
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: terms match no payment option", ErrUnknownRequirement)
	}

	entry, err := i.guard.Lookup(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("issuer: nonce lookup: %w", err)
	}
	if entry.State == guard.StateAbsent {
		return nil, fmt.Errorf("%w: unknown nonce", ErrUnknownRequirement)
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.UnixMilli() != expiresAt.UnixMilli() {
		return nil, fmt.Errorf("%w: expiry differs from the issued one", ErrUnknownRequirement)
	}

	req, err := i.build(resource, match.Price, match.PayTo)
	if err != nil {
		return nil, err
	}
	req = req.WithNonce(nonce, entry.ExpiresAt)
	return &req, nil
}

// Describe builds one requirement per option without nonces. Requirements
// without a nonce are keyed by their proof in the replay guard.
func (i *Issuer) Describe(resource Resource, options []PaymentOption) ([]x402.PaymentRequirements, error) {
	out := make([]x402.PaymentRequirements, 0, len(options))
	for _, opt := range options {
		req, err := i.build(resource, opt.Price, opt.PayTo)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (i *Issuer) build(resource Resource, price Price, payTo string) (x402.PaymentRequirements, error) {
	maxTimeout := price.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = i.maxTimeout
	}

	extra := make(map[string]interface{}, len(price.Extra)+1)
	for k, v := range price.Extra {
		extra[k] = v
	}
	if feePayer, ok := i.feePayers[price.Network]; ok {
		extra[x402.ExtraFeePayer] = feePayer
	}

	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           price.Network,
		MaxAmountRequired: price.Amount,
		Asset:             price.Asset,
		PayTo:             payTo,
		Resource:          resource.URL,
		Description:       resource.Description,
		MimeType:          resource.MimeType,
		OutputSchema:      resource.OutputSchema,
		MaxTimeoutSeconds: maxTimeout,
		Extra:             extra,
	}

	if err := validation.ValidatePaymentRequirements(req); err != nil {
		return req, fmt.Errorf("%w: %v", x402.ErrInvalidRequirements, err)
	}
	if i.strict {
		if err := validation.ValidateRequirementAddresses(req); err != nil {
			return req, fmt.Errorf("%w: %v", x402.ErrInvalidRequirements, err)
		}
	}
	return req, nil
}

// PaymentRequired builds a complete 402 body with one requirement per option.
func (i *Issuer) PaymentRequired(ctx context.Context, resource Resource, options []PaymentOption, message string) (*x402.PaymentRequired, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no payment options", x402.ErrInvalidRequirements)
	}
	accepts := make([]x402.PaymentRequirements, 0, len(options))
	for _, opt := range options {
		req, err := i.Issue(ctx, resource, opt.Price, opt.PayTo)
		if err != nil {
			return nil, err
		}
		accepts = append(accepts, *req)
	}
	return &x402.PaymentRequired{
		X402Version: x402.X402Version,
		Accepts:     accepts,
		Error:       message,
	}, nil
}

// maybeSweep sweeps the guard when the last sweep is older than the sweep
// interval. Only one of several concurrent callers performs it.
func (i *Issuer) maybeSweep(ctx context.Context, now time.Time) {
	if i.sweepEvery <= 0 {
		return
	}
	last := i.lastSweep.Load()
	if last != 0 && now.Sub(time.UnixMilli(last)) < i.sweepEvery {
		return
	}
	if !i.lastSweep.CompareAndSwap(last, now.UnixMilli()) {
		return
	}
	n, err := i.guard.Sweep(ctx, now)
	if err != nil {
		i.logger.WarnContext(ctx, "nonce sweep failed", "error", err)
		return
	}
	if n > 0 {
		i.logger.DebugContext(ctx, "swept expired nonces", "count", n)
	}
}

func (i *Issuer) reserveNonce(ctx context.Context, expiresAt time.Time) (string, error) {
	buf := make([]byte, nonceBytes)
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		if _, err := io.ReadFull(i.random, buf); err != nil {
			return "", fmt.Errorf("issuer: read nonce entropy: %w", err)
		}
		nonce := hex.EncodeToString(buf)

		err := i.guard.Reserve(ctx, nonce, expiresAt)
		if err == nil {
			return nonce, nil
		}
		if !errors.Is(err, guard.ErrNonceExists) {
			return "", fmt.Errorf("issuer: reserve nonce: %w", err)
		}
		i.logger.WarnContext(ctx, "nonce collision, regenerating", "attempt", attempt+1)
	}
	return "", ErrNonceExhausted
}
