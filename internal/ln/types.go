package ln

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// MilliSatoshi is an amount of thousandths of a satoshi, the unit all
// channel balances and routing capacities are expressed in.
type MilliSatoshi uint64

// MsatPerSat converts between on-chain and off-chain units.
const MsatPerSat = 1000

func (m MilliSatoshi) String() string {
	return fmt.Sprintf("%d msat", uint64(m))
}

// ToSatoshis truncates towards zero.
func (m MilliSatoshi) ToSatoshis() btcutil.Amount {
	return btcutil.Amount(m / MsatPerSat)
}

func MinMilliSatoshi(a, b MilliSatoshi) MilliSatoshi {
	if a < b {
		return a
	}
	return b
}

// NodeID is the serialized compressed public key of a Lightning node.
type NodeID [33]byte

func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// NewNodeID copies the compressed serialization of pub.
func NewNodeID(pub *btcec.PublicKey) NodeID {
	var n NodeID
	copy(n[:], pub.SerializeCompressed())
	return n
}

// ParseNodeID decodes a 66-character hex public key and validates it is a
// point on the curve.
func ParseNodeID(s string) (NodeID, error) {
	var n NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("failed to decode node id: %v", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return n, fmt.Errorf("failed to parse node pubkey: %v", err)
	}
	return NewNodeID(pub), nil
}

// KeyPair is the node-specific key a peer connection runs under. Sends are
// addressed by it rather than by the remote node id so that two wallets
// behind the same remote see distinct sessions.
type KeyPair struct {
	PubKey NodeID
}

// RemoteNodeInfo identifies a connected Lightning peer.
type RemoteNodeInfo struct {
	NodeSpecificPair KeyPair
	Address          string
	NodeID           NodeID
}

// Feature is a single feature bit a peer may advertise in its init message.
type Feature uint16

const (
	// FeaturePrivateRouting marks a peer willing to receive trampoline
	// routing advertisements over a private channel.
	FeaturePrivateRouting Feature = 32771

	// FeatureChainSwap marks a peer offering swap-out to on-chain funds.
	FeatureChainSwap Feature = 32773
)

// Init is the feature set a peer announced when the connection came up.
type Init struct {
	Features []Feature
}

func (i Init) Supports(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}
