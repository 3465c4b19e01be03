package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"graphshell/internal/access"
)

var ErrBadNodeID = errors.New("malformed node id")

// Identity is the P2P keystore contract used by sync.
type Identity interface {
	NodeID() string
	Sign(msg []byte) []byte
	Verify(nodeID string, msg, sig []byte) bool
	TrustedPeers() []access.TrustedPeer
	TrustPeer(p access.TrustedPeer)
	RevokePeer(nodeID string) bool
}

// Keystore is an ed25519 identity backed by a trust store.
type Keystore struct {
	priv  ed25519.PrivateKey
	trust *access.Store
}

var _ Identity = (*Keystore)(nil)

// Generate creates a keystore with a fresh random secret.
func Generate(trust *access.Store) (*Keystore, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	return FromSecret(seed, trust)
}

// FromSecret restores a keystore from its persisted seed.
func FromSecret(seed []byte, trust *access.Store) (*Keystore, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity secret: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if trust == nil {
		trust = access.NewStore()
	}
	return &Keystore{priv: ed25519.NewKeyFromSeed(seed), trust: trust}, nil
}

// Secret returns the seed to persist.
func (k *Keystore) Secret() []byte {
	return k.priv.Seed()
}

// PrivateKey exposes the signing key for transport handshakes.
func (k *Keystore) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// NodeID is the hex encoded public key.
func (k *Keystore) NodeID() string {
	return hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

func (k *Keystore) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify checks sig over msg against the key encoded in nodeID.
func (k *Keystore) Verify(nodeID string, msg, sig []byte) bool {
	return Verify(nodeID, msg, sig)
}

func (k *Keystore) TrustedPeers() []access.TrustedPeer {
	return k.trust.Peers()
}

func (k *Keystore) TrustPeer(p access.TrustedPeer) {
	k.trust.Trust(p)
}

func (k *Keystore) RevokePeer(nodeID string) bool {
	return k.trust.Revoke(nodeID)
}

// Trust returns the underlying trust store.
func (k *Keystore) Trust() *access.Store {
	return k.trust
}

// PublicKey decodes a node id.
func PublicKey(nodeID string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(nodeID)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrBadNodeID, nodeID)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks sig over msg for the key encoded in nodeID.
func Verify(nodeID string, msg, sig []byte) bool {
	pub, err := PublicKey(nodeID)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
