package chainmodel

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ChainKind distinguishes EVM from Cosmos/IBC chains: a small closed
// enum in place of duck-typing "any chain client fits an abstract
// shape".
type ChainKind string

const (
	ChainKindEVM    ChainKind = "evm"
	ChainKindCosmos ChainKind = "cosmos"
)

// Chain is a registered network, per the data model.
type Chain struct {
	ID                    string
	Kind                  ChainKind
	NativeDenom           string
	AddrPrefix            string // bech32 prefix; empty for EVM chains
	BlockTime             time.Duration
	RequiredConfirmations int
	Endpoints             []string
	// SupportedAlgos lists the hashlock algorithms this chain's HTLC
	// contract can host. Nil means "supports every HashAlgo" (the
	// common case: most adapters hard-code a single contract that
	// accepts either digest). Route planning skips any chain that
	// cannot host an HTLC under the swap's hash algorithm.
	SupportedAlgos []HashAlgo
}

// SupportsAlgo reports whether this chain can host an HTLC under algo.
func (c Chain) SupportsAlgo(algo HashAlgo) bool {
	if len(c.SupportedAlgos) == 0 {
		return true
	}
	for _, a := range c.SupportedAlgos {
		if a == algo {
			return true
		}
	}
	return false
}

// ChannelState mirrors the IBC Channel state enum.
type ChannelState string

const (
	ChannelOpen   ChannelState = "open"
	ChannelClosed ChannelState = "closed"
)

// Channel is an IBC channel between two chains.
type Channel struct {
	SourceChain string
	DestChain   string
	PortID      string
	ChannelID   string
	State       ChannelState
	Ordering    string
	Version     string
}

var (
	evmAddrPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	bech32Pattern  = regexp.MustCompile(`^[a-z0-9]{1,90}1[02-9ac-hj-np-z]{6,}$`)
)

// NormalizeEVMAddress lowercases and validates an EVM address:
// 0x + 40 hex digits, lowercased for storage.
func NormalizeEVMAddress(addr string) (string, error) {
	lower := strings.ToLower(addr)
	if !evmAddrPattern.MatchString(lower) {
		return "", fmt.Errorf("chainmodel: invalid evm address %q", addr)
	}
	return lower, nil
}

// ValidateCosmosAddress checks a bech32 address against the chain's
// recognized prefix.
func ValidateCosmosAddress(addr, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("chainmodel: no recognized bech32 prefix configured")
	}
	if !strings.HasPrefix(addr, prefix+"1") {
		return fmt.Errorf("chainmodel: address %q does not match prefix %q", addr, prefix)
	}
	if !bech32Pattern.MatchString(addr) {
		return fmt.Errorf("chainmodel: address %q is not valid bech32", addr)
	}
	return nil
}

// ValidateAddress dispatches on chain kind.
func ValidateAddress(kind ChainKind, addr string, bech32Prefix string) (string, error) {
	switch kind {
	case ChainKindEVM:
		return NormalizeEVMAddress(addr)
	case ChainKindCosmos:
		return addr, ValidateCosmosAddress(addr, bech32Prefix)
	default:
		return "", fmt.Errorf("chainmodel: unknown chain kind %q", kind)
	}
}

// Endpoint identifies an party-side account used in a swap.
type Endpoint struct {
	ChainID string
	Address string
	Token   string
}
