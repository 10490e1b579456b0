package x402

import (
	"fmt"
	"sort"
)

// NetworkType represents the blockchain virtual machine type.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// Network identifiers as they appear on the wire.
const (
	// Solana
	NetworkSolana       = "solana"
	NetworkSolanaDevnet = "solana-devnet"

	// EVM mainnets
	NetworkBase      = "base"
	NetworkPolygon   = "polygon"
	NetworkAvalanche = "avalanche"
	NetworkEthereum  = "ethereum"

	// EVM testnets
	NetworkBaseSepolia   = "base-sepolia"
	NetworkPolygonAmoy   = "polygon-amoy"
	NetworkAvalancheFuji = "avalanche-fuji"
	NetworkSepolia       = "sepolia"
)

// ChainConfig holds configuration for a specific blockchain.
type ChainConfig struct {
	// Network is the wire network identifier.
	Network string

	// CAIP2 is the equivalent CAIP-2 identifier.
	CAIP2 string

	// Type is the virtual machine family.
	Type NetworkType

	// ChainID is the EIP-155 chain id (EVM only).
	ChainID int64

	// USDCAddress is the official Circle USDC contract or mint address.
	USDCAddress string

	// NativeDecimals is the number of decimals of the native currency.
	NativeDecimals int

	// DefaultRPC is the public RPC endpoint used when none is configured.
	DefaultRPC string
}

// Predefined chain configurations - Solana
var (
	SolanaMainnet = ChainConfig{
		Network:        NetworkSolana,
		CAIP2:          "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		Type:           NetworkTypeSVM,
		USDCAddress:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		NativeDecimals: 9,
		DefaultRPC:     "https://api.mainnet-beta.solana.com",
	}

	SolanaDevnet = ChainConfig{
		Network:        NetworkSolanaDevnet,
		CAIP2:          "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
		Type:           NetworkTypeSVM,
		USDCAddress:    "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		NativeDecimals: 9,
		DefaultRPC:     "https://api.devnet.solana.com",
	}
)

// Predefined chain configurations - EVM
var (
	BaseMainnet = ChainConfig{
		Network:        NetworkBase,
		CAIP2:          "eip155:8453",
		Type:           NetworkTypeEVM,
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		NativeDecimals: 18,
		DefaultRPC:     "https://mainnet.base.org",
	}

	PolygonMainnet = ChainConfig{
		Network:        NetworkPolygon,
		CAIP2:          "eip155:137",
		Type:           NetworkTypeEVM,
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		NativeDecimals: 18,
		DefaultRPC:     "https://polygon-rpc.com",
	}

	AvalancheMainnet = ChainConfig{
		Network:        NetworkAvalanche,
		CAIP2:          "eip155:43114",
		Type:           NetworkTypeEVM,
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		NativeDecimals: 18,
		DefaultRPC:     "https://api.avax.network/ext/bc/C/rpc",
	}

	EthereumMainnet = ChainConfig{
		Network:        NetworkEthereum,
		CAIP2:          "eip155:1",
		Type:           NetworkTypeEVM,
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		NativeDecimals: 18,
		DefaultRPC:     "https://eth.llamarpc.com",
	}

	BaseSepolia = ChainConfig{
		Network:        NetworkBaseSepolia,
		CAIP2:          "eip155:84532",
		Type:           NetworkTypeEVM,
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		NativeDecimals: 18,
		DefaultRPC:     "https://sepolia.base.org",
	}

	PolygonAmoy = ChainConfig{
		Network:        NetworkPolygonAmoy,
		CAIP2:          "eip155:80002",
		Type:           NetworkTypeEVM,
		ChainID:        80002,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		NativeDecimals: 18,
		DefaultRPC:     "https://rpc-amoy.polygon.technology",
	}

	AvalancheFuji = ChainConfig{
		Network:        NetworkAvalancheFuji,
		CAIP2:          "eip155:43113",
		Type:           NetworkTypeEVM,
		ChainID:        43113,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		NativeDecimals: 18,
		DefaultRPC:     "https://api.avax-test.network/ext/bc/C/rpc",
	}

	Sepolia = ChainConfig{
		Network:        NetworkSepolia,
		CAIP2:          "eip155:11155111",
		Type:           NetworkTypeEVM,
		ChainID:        11155111,
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		NativeDecimals: 18,
		DefaultRPC:     "https://rpc.sepolia.org",
	}
)

var chainConfigByNetwork = map[string]ChainConfig{
	NetworkSolana:        SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
	NetworkBase:          BaseMainnet,
	NetworkPolygon:       PolygonMainnet,
	NetworkAvalanche:     AvalancheMainnet,
	NetworkEthereum:      EthereumMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkAvalancheFuji: AvalancheFuji,
	NetworkSepolia:       Sepolia,
}

// GetChainConfig returns the chain configuration for a network identifier.
// Both wire names ("solana-devnet") and CAIP-2 identifiers are accepted.
func GetChainConfig(network string) (ChainConfig, error) {
	if config, ok := chainConfigByNetwork[network]; ok {
		return config, nil
	}
	for _, config := range chainConfigByNetwork {
		if config.CAIP2 == network {
			return config, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
}

// ValidateNetwork validates a network identifier and returns its type.
func ValidateNetwork(network string) (NetworkType, error) {
	if network == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}
	config, err := GetChainConfig(network)
	if err != nil {
		return NetworkTypeUnknown, err
	}
	return config.Type, nil
}

// Networks returns all known wire network identifiers in sorted order.
func Networks() []string {
	out := make([]string, 0, len(chainConfigByNetwork))
	for n := range chainConfigByNetwork {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain with the specified priority.
func NewUSDCTokenConfig(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: 6,
		Priority: priority,
	}
}

// NewNativeTokenConfig creates a TokenConfig for the chain's native currency.
func NewNativeTokenConfig(chain ChainConfig, priority int) TokenConfig {
	symbol := "ETH"
	if chain.Type == NetworkTypeSVM {
		symbol = "SOL"
	}
	return TokenConfig{
		Address:  "",
		Symbol:   symbol,
		Decimals: chain.NativeDecimals,
		Priority: priority,
	}
}
