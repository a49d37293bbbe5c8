// Package types holds the primitive identifiers shared across the dual-chain,
// relay/overlay, and bridge cores, so that none of them import one another
// just to share an Address or a Hash.
package types

import (
	"encoding/hex"
	"fmt"
)

// ChainKind names the two independent append-only chains described in
// spec §3. There are exactly two; this is a closed set, not an open registry.
type ChainKind uint8

const (
	ChatChain ChainKind = iota
	CurrencyChain
)

func (c ChainKind) String() string {
	switch c {
	case ChatChain:
		return "chat"
	case CurrencyChain:
		return "currency"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// Hash is a 32-byte digest used for block hashes, checkpoints, and content
// addressing throughout the three cores.
type Hash [32]byte

func (h Hash) Hex() string   { return hex.EncodeToString(h[:]) }
func (h Hash) String() string { return h.Hex() }
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Address identifies an account, relay operator, or validator.
type Address [20]byte

func (a Address) Hex() string    { return "0x" + hex.EncodeToString(a[:]) }
func (a Address) String() string { return a.Hex() }
func (a Address) IsZero() bool   { return a == Address{} }

func AddressFromHex(s string) (Address, error) {
	var a Address
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("decode address hex: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// NodeID identifies a relay/peer in the overlay network. It mirrors a libp2p
// peer id string without importing the p2p package here.
type NodeID string

// TxKind tags a Transaction per spec §3. The set is closed: a chain only
// ever carries these thirteen kinds.
type TxKind uint8

const (
	TxRegisterUser TxKind = iota
	TxSendDM
	TxPostChannel
	TxCreateChannel
	TxMint
	TxBurn
	TxStake
	TxUnstake
	TxBridgeInit
	TxBridgeExec
	TxUpgradeProposal
	TxUpgradeVote
	TxSlashEvidence
)

func (k TxKind) String() string {
	names := [...]string{
		"RegisterUser", "SendDM", "PostChannel", "CreateChannel",
		"Mint", "Burn", "Stake", "Unstake",
		"BridgeInit", "BridgeExec", "UpgradeProposal", "UpgradeVote", "SlashEvidence",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("TxKind(%d)", uint8(k))
}

// Version is a MAJOR.MINOR.PATCH protocol version. Compatibility between
// peers is same-major, per spec §6.
type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// CompatibleWith reports whether two peers running these versions can talk:
// same major version only.
func (v Version) CompatibleWith(o Version) bool {
	return v.Major == o.Major
}
