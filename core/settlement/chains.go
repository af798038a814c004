package settlement

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// ChainKind selects the address rules for a target chain.
type ChainKind string

const (
	ChainEVM     ChainKind = "evm"
	ChainBitcoin ChainKind = "bitcoin"
)

// Chain describes a destination chain for reward plans.
type Chain struct {
	ID      uint64    `json:"id" yaml:"id" toml:"id"`
	Name    string    `json:"name" yaml:"name" toml:"name"`
	Kind    ChainKind `json:"kind" yaml:"kind" toml:"kind"`
	Network string    `json:"network,omitempty" yaml:"network,omitempty" toml:"network,omitempty"` // mainnet | testnet | signet | regtest for bitcoin
}

// DefaultChains lists the chain ids the coordinator accepts out of the box.
func DefaultChains() []Chain {
	return []Chain{
		{ID: 1, Name: "Ethereum", Kind: ChainEVM},
		{ID: 56, Name: "BNB Smart Chain", Kind: ChainEVM},
		{ID: 137, Name: "Polygon", Kind: ChainEVM},
		{ID: 8453, Name: "Base", Kind: ChainEVM},
		{ID: 11155111, Name: "Sepolia", Kind: ChainEVM},
		{ID: 8332, Name: "Bitcoin Mainnet", Kind: ChainBitcoin, Network: "mainnet"},
		{ID: 18332, Name: "Bitcoin Testnet", Kind: ChainBitcoin, Network: "testnet"},
		{ID: 18333, Name: "Bitcoin Signet", Kind: ChainBitcoin, Network: "signet"},
		{ID: 18444, Name: "Bitcoin Regtest", Kind: ChainBitcoin, Network: "regtest"},
	}
}

// ChainRegistry resolves target chain ids.
type ChainRegistry struct {
	chains map[uint64]Chain
}

// NewChainRegistry indexes chains by id; later entries override earlier ones.
func NewChainRegistry(chains []Chain) *ChainRegistry {
	r := &ChainRegistry{chains: make(map[uint64]Chain, len(chains))}
	for _, c := range chains {
		r.chains[c.ID] = c
	}
	return r
}

// Lookup returns the chain for id.
func (r *ChainRegistry) Lookup(id uint64) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("%w: unsupported target chain %d", ErrValidation, id)
	}
	return c, nil
}

var evmAddress = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidateAddress checks addr against the address format of chain id.
func (r *ChainRegistry) ValidateAddress(id uint64, addr string) error {
	c, err := r.Lookup(id)
	if err != nil {
		return err
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty address for chain %d", ErrInvalidAddress, id)
	}
	switch c.Kind {
	case ChainEVM:
		if !evmAddress.MatchString(addr) {
			return fmt.Errorf("%w: %q is not a 20-byte hex address", ErrInvalidAddress, addr)
		}
		return nil
	case ChainBitcoin:
		params := bitcoinParams(c.Network)
		decoded, err := btcutil.DecodeAddress(addr, params)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
		}
		if !decoded.IsForNet(params) {
			return fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, addr, params.Name)
		}
		return nil
	}
	return fmt.Errorf("%w: chain %d has unknown kind %q", ErrValidation, id, c.Kind)
}

func bitcoinParams(network string) *chaincfg.Params {
	switch network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
