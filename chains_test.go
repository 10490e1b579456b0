package x402

import (
	"errors"
	"testing"
	"time"
)

func TestGetChainConfig(t *testing.T) {
	tests := []struct {
		network  string
		want     string
		wantType NetworkType
		wantErr  bool
	}{
		{NetworkSolanaDevnet, NetworkSolanaDevnet, NetworkTypeSVM, false},
		{"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", NetworkSolanaDevnet, NetworkTypeSVM, false},
		{NetworkBase, NetworkBase, NetworkTypeEVM, false},
		{"eip155:84532", NetworkBaseSepolia, NetworkTypeEVM, false},
		{"dogecoin", "", NetworkTypeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			config, err := GetChainConfig(tt.network)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNetwork) {
					t.Errorf("GetChainConfig() error = %v, want ErrInvalidNetwork", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetChainConfig() unexpected error: %v", err)
			}
			if config.Network != tt.want || config.Type != tt.wantType {
				t.Errorf("GetChainConfig() = %+v", config)
			}
		})
	}
}

func TestValidateNetwork(t *testing.T) {
	if _, err := ValidateNetwork(""); !errors.Is(err, ErrInvalidNetwork) {
		t.Errorf("ValidateNetwork(\"\") error = %v", err)
	}
	typ, err := ValidateNetwork(NetworkSolana)
	if err != nil || typ != NetworkTypeSVM {
		t.Errorf("ValidateNetwork(solana) = %v, %v", typ, err)
	}
	if typ.String() != "svm" {
		t.Errorf("String() = %s", typ)
	}
}

func TestNetworks(t *testing.T) {
	networks := Networks()
	if len(networks) != 10 {
		t.Fatalf("Networks() returned %d entries", len(networks))
	}
	for i := 1; i < len(networks); i++ {
		if networks[i-1] >= networks[i] {
			t.Errorf("Networks() not sorted: %v", networks)
		}
	}
}

func TestTokenConfigHelpers(t *testing.T) {
	usdc := NewUSDCTokenConfig(SolanaDevnet, 1)
	if usdc.Address != SolanaDevnet.USDCAddress || usdc.Decimals != 6 {
		t.Errorf("NewUSDCTokenConfig() = %+v", usdc)
	}
	sol := NewNativeTokenConfig(SolanaDevnet, 2)
	if sol.Address != "" || sol.Symbol != "SOL" || sol.Decimals != 9 {
		t.Errorf("NewNativeTokenConfig() = %+v", sol)
	}
}

func TestTimeoutConfig(t *testing.T) {
	if err := DefaultTimeouts.Validate(); err != nil {
		t.Fatalf("DefaultTimeouts.Validate() error = %v", err)
	}
	bad := DefaultTimeouts.WithSettleTimeout(time.Second)
	if err := bad.Validate(); err == nil {
		t.Error("settle timeout below verify timeout should be rejected")
	}
	if err := DefaultTimeouts.WithRequirementTTL(0).Validate(); err == nil {
		t.Error("zero requirement ttl should be rejected")
	}

	req := &PaymentRequirements{MaxTimeoutSeconds: 30}
	if got := DefaultTimeouts.SettlementDeadline(req); got != 30*time.Second {
		t.Errorf("SettlementDeadline() = %v", got)
	}
	if got := DefaultTimeouts.SettlementDeadline(&PaymentRequirements{}); got != DefaultTimeouts.SettleTimeout {
		t.Errorf("SettlementDeadline() fallback = %v", got)
	}
}
