package x402

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

// mockPayer implements Payer for testing
type mockPayer struct {
	network   string
	tokens    []TokenConfig
	priority  int
	maxAmount *big.Int
	payErr    error
	calls     int
}

func (m *mockPayer) Network() string { return m.network }
func (m *mockPayer) Scheme() string  { return SchemeExact }
func (m *mockPayer) CanPay(req *PaymentRequirements) bool {
	if req.Network != m.network || req.Scheme != SchemeExact {
		return false
	}
	for _, token := range m.tokens {
		if SameAsset(token.Address, req.Asset) {
			return true
		}
	}
	return false
}
func (m *mockPayer) Pay(_ context.Context, req *PaymentRequirements) (*PaymentPayload, error) {
	m.calls++
	if m.payErr != nil {
		return nil, m.payErr
	}
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactPayload{
			From:      "Payer1",
			To:        req.PayTo,
			Amount:    req.MaxAmountRequired,
			Mint:      req.Asset,
			Signature: "abc123",
		},
	}, nil
}
func (m *mockPayer) GetPriority() int         { return m.priority }
func (m *mockPayer) GetTokens() []TokenConfig { return m.tokens }
func (m *mockPayer) GetMaxAmount() *big.Int   { return m.maxAmount }

func TestDefaultPaymentSelector_Select(t *testing.T) {
	devnet := &mockPayer{
		network:  NetworkSolanaDevnet,
		tokens:   []TokenConfig{{Address: "", Symbol: "SOL", Decimals: 9, Priority: 1}},
		priority: 2,
	}
	base := &mockPayer{
		network:   NetworkBaseSepolia,
		tokens:    []TokenConfig{{Address: "0xUSDC", Symbol: "USDC", Decimals: 6, Priority: 1}},
		priority:  1,
		maxAmount: big.NewInt(500),
	}

	devnetReq := PaymentRequirements{Scheme: SchemeExact, Network: NetworkSolanaDevnet, MaxAmountRequired: "1000000", PayTo: "Recipient1"}
	baseReq := PaymentRequirements{Scheme: SchemeExact, Network: NetworkBaseSepolia, MaxAmountRequired: "100", Asset: "0xusdc", PayTo: "0xrecipient"}

	tests := []struct {
		name         string
		payers       []Payer
		requirements []PaymentRequirements
		wantNetwork  string
		wantErr      error
		wantCode     ErrorCode
	}{
		{
			name:         "single matching payer",
			payers:       []Payer{devnet},
			requirements: []PaymentRequirements{devnetReq},
			wantNetwork:  NetworkSolanaDevnet,
		},
		{
			name:         "selects by payer priority",
			payers:       []Payer{devnet, base},
			requirements: []PaymentRequirements{devnetReq, baseReq},
			wantNetwork:  NetworkBaseSepolia,
		},
		{
			name:         "network mismatch",
			payers:       []Payer{devnet},
			requirements: []PaymentRequirements{baseReq},
			wantErr:      ErrNetworkMismatch,
			wantCode:     ErrCodeNetworkMismatch,
		},
		{
			name:   "amount over limit",
			payers: []Payer{base},
			requirements: []PaymentRequirements{
				{Scheme: SchemeExact, Network: NetworkBaseSepolia, MaxAmountRequired: "501", Asset: "0xUSDC"},
			},
			wantErr:  ErrAmountExceeded,
			wantCode: ErrCodeAmountExceeded,
		},
		{
			name:   "network matches but asset does not",
			payers: []Payer{devnet},
			requirements: []PaymentRequirements{
				{Scheme: SchemeExact, Network: NetworkSolanaDevnet, MaxAmountRequired: "1", Asset: "Mint1"},
			},
			wantErr:  ErrNoValidPayer,
			wantCode: ErrCodeNoValidPayer,
		},
		{
			name:         "no payers",
			payers:       nil,
			requirements: []PaymentRequirements{devnetReq},
			wantErr:      ErrNoValidPayer,
			wantCode:     ErrCodeNoValidPayer,
		},
		{
			name:   "invalid amount",
			payers: []Payer{devnet},
			requirements: []PaymentRequirements{
				{Scheme: SchemeExact, Network: NetworkSolanaDevnet, MaxAmountRequired: "lots"},
			},
			wantErr:  ErrInvalidRequirements,
			wantCode: ErrCodeInvalidRequirements,
		},
	}

	selector := NewDefaultPaymentSelector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payer, req, err := selector.Select(tt.payers, tt.requirements)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Select() error = %v, want %v", err, tt.wantErr)
				}
				var pe *PaymentError
				if !errors.As(err, &pe) || pe.Code != tt.wantCode {
					t.Errorf("Select() code = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() unexpected error: %v", err)
			}
			if payer.Network() != tt.wantNetwork || req.Network != tt.wantNetwork {
				t.Errorf("Select() network = %s/%s, want %s", payer.Network(), req.Network, tt.wantNetwork)
			}
		})
	}
}

func TestSelectAndPay(t *testing.T) {
	req := PaymentRequirements{Scheme: SchemeExact, Network: NetworkSolanaDevnet, MaxAmountRequired: "1000000", PayTo: "Recipient1"}

	t.Run("success", func(t *testing.T) {
		payer := &mockPayer{network: NetworkSolanaDevnet, tokens: []TokenConfig{{Address: ""}}}
		payment, chosen, err := SelectAndPay(context.Background(), nil, []Payer{payer}, []PaymentRequirements{req})
		if err != nil {
			t.Fatalf("SelectAndPay() error = %v", err)
		}
		if payment.Payload.Signature != "abc123" || chosen.PayTo != "Recipient1" {
			t.Errorf("SelectAndPay() = %+v, %+v", payment, chosen)
		}
	})

	t.Run("classified failure keeps kind", func(t *testing.T) {
		payer := &mockPayer{
			network: NetworkSolanaDevnet,
			tokens:  []TokenConfig{{Address: ""}},
			payErr:  NewPaymentError(KindInsufficientFunds, "balance too low", ErrInsufficientFunds),
		}
		_, _, err := SelectAndPay(context.Background(), nil, []Payer{payer}, []PaymentRequirements{req})
		if KindOf(err) != KindInsufficientFunds {
			t.Errorf("KindOf() = %s; want InsufficientFunds", KindOf(err))
		}
	})

	t.Run("unclassified failure", func(t *testing.T) {
		payer := &mockPayer{network: NetworkSolanaDevnet, tokens: []TokenConfig{{Address: ""}}, payErr: errors.New("boom")}
		_, _, err := SelectAndPay(context.Background(), nil, []Payer{payer}, []PaymentRequirements{req})
		var pe *PaymentError
		if !errors.As(err, &pe) || pe.Code != ErrCodeSigningFailed {
			t.Errorf("SelectAndPay() error = %v", err)
		}
	})
}

func TestFindMatchingRequirement(t *testing.T) {
	reqs := []PaymentRequirements{
		{Scheme: SchemeExact, Network: NetworkSolanaDevnet, PayTo: "Recipient1", Asset: "Mint1"},
		{Scheme: SchemeExact, Network: NetworkSolanaDevnet, PayTo: "Recipient1", Asset: ""},
	}

	payment := &PaymentPayload{Scheme: SchemeExact, Network: NetworkSolanaDevnet, Payload: ExactPayload{To: "Recipient1"}}
	got, err := FindMatchingRequirement(payment, reqs)
	if err != nil {
		t.Fatalf("FindMatchingRequirement() error = %v", err)
	}
	if got.Asset != "" {
		t.Errorf("FindMatchingRequirement() asset = %q; want native option", got.Asset)
	}

	payment.Network = NetworkBase
	if _, err := FindMatchingRequirement(payment, reqs); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("FindMatchingRequirement() error = %v; want ErrUnsupportedScheme", err)
	}
}
