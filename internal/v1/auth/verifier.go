// Package auth verifies signed challenge-response proofs of identity
// control (spec.md §4.A). It replaces JWT/JWKS validation entirely: the
// only credential a client ever presents is a signed event over a
// server-issued challenge.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/meshworld/syncnode/internal/v1/event"
)

// KindAuthResponse is the signed-event kind a challenge response must carry.
const KindAuthResponse = 27235

// MaxClockSkew bounds how far a response's created_at may drift from now.
const MaxClockSkew = 300 * time.Second

// NewChallenge returns a fresh 32-byte random challenge, hex-encoded.
func NewChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyAuthResponse checks that signed is a valid, fresh, kind-27235 proof
// that claimedPubkey controls the identity that produced it, and that its
// content is exactly challenge. Any discrepancy or parse failure fails
// verification; there is no retry inside this function — the caller (the
// Room) decides whether to offer another challenge.
func VerifyAuthResponse(claimedPubkey, challenge string, signed *event.Signed) bool {
	if signed == nil {
		return false
	}
	if signed.Pubkey != claimedPubkey {
		return false
	}
	if signed.Content != challenge {
		return false
	}
	if signed.Kind != KindAuthResponse {
		return false
	}
	skew := time.Since(time.Unix(signed.CreatedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return false
	}

	ok, err := event.Verify(signed)
	if err != nil || !ok {
		return false
	}
	return true
}
