// Package event defines the signed-event model shared by the Auth Verifier,
// the Announcer, and the Relay Session's wire frames (spec.md §3, §4.A,
// §4.F). The signature scheme itself is treated as a pluggable concern by
// spec.md ("delegated to an opaque signer module"); this package fills that
// gap with a concrete choice — Schnorr-over-secp256k1 (EC-Schnorr-DCRv0) via
// github.com/decred/dcrd/dcrec/secp256k1/v4, the same curve family this
// class of signed-event relay protocol uses.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Heartbeat discovery record constants (spec.md §3's HeartbeatRecord). This
// node publishes and queries for the ephemeral kind consistently; a peer
// node is free to have made the other choice, but within this codebase the
// Announcer and Heartbeat Reader always agree.
const (
	KindHeartbeat = 20311
	DiscoveryTag  = "3d-scene-sync"
)

// Tag is one key/value(s) tag entry, e.g. ["map", "42", "3"].
type Tag []string

// Key returns the tag's discriminator (first element), or "" if empty.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Signed is a signed-event record: the payload the Auth Verifier checks and
// the Announcer/Relay Session produce and consume.
type Signed struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tag returns the first tag matching key, or nil.
func (s *Signed) Tag(key string) Tag {
	for _, t := range s.Tags {
		if t.Key() == key {
			return t
		}
	}
	return nil
}

// TagValue returns the second element of the first tag matching key, or "".
func (s *Signed) TagValue(key string) string {
	t := s.Tag(key)
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// serializationArray mirrors the canonical [0, pubkey, created_at, kind,
// tags, content] id preimage this family of signed-event protocols uses.
func (s *Signed) serializationArray() ([]byte, error) {
	arr := []any{0, s.Pubkey, s.CreatedAt, s.Kind, s.Tags, s.Content}
	return json.Marshal(arr)
}

// ComputeID returns the SHA-256 of the canonical serialization.
func (s *Signed) ComputeID() (string, error) {
	data, err := s.serializationArray()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// PubkeyHex returns priv's public key in the same hex encoding Sign stores
// in Signed.Pubkey.
func PubkeyHex(priv *secp256k1.PrivateKey) string {
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// ParsePrivateKey decodes a hex-encoded 32-byte secp256k1 scalar, the format
// NODE_SECRET_KEY is supplied in.
func ParsePrivateKey(s string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode node secret key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("node secret key must be 32 bytes, got %d", len(b))
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// Sign computes the event id and signs it with priv, filling ID/Pubkey/Sig.
func Sign(s *Signed, priv *secp256k1.PrivateKey) error {
	s.Pubkey = PubkeyHex(priv)

	id, err := s.ComputeID()
	if err != nil {
		return err
	}
	s.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	s.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that s.Sig is a valid signature by s.Pubkey over the
// canonical id, and that the stored id matches the recomputed one. This is
// the cryptographic half of spec.md §4.A's verifyAuthResponse; the caller
// still owns the pubkey/content/kind/timestamp checks.
func Verify(s *Signed) (bool, error) {
	wantID, err := s.ComputeID()
	if err != nil {
		return false, err
	}
	if wantID != s.ID {
		return false, nil
	}

	pubBytes, err := hex.DecodeString(s.Pubkey)
	if err != nil {
		return false, nil
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false, nil
	}

	sigBytes, err := hex.DecodeString(s.Sig)
	if err != nil {
		return false, nil
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, nil
	}

	idBytes, err := hex.DecodeString(s.ID)
	if err != nil {
		return false, nil
	}
	return sig.Verify(idBytes, pub), nil
}

// SortTags returns a stable-ordered copy of tags, grouped by key. Used when
// building heartbeat records so repeated ticks with identical content
// produce identical ids (aids relay-side dedup of unintentional resends).
func SortTags(tags []Tag) []Tag {
	out := make([]Tag, len(tags))
	copy(out, tags)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}
