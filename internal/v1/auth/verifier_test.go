package auth

import (
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/meshworld/syncnode/internal/v1/event"
)

func signedResponse(t *testing.T, priv *secp256k1.PrivateKey, challenge string, createdAt time.Time, kind int) *event.Signed {
	t.Helper()
	s := &event.Signed{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Content:   challenge,
	}
	if err := event.Sign(s, priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerifyAuthResponse_Valid(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	challenge, err := NewChallenge()
	if err != nil {
		t.Fatal(err)
	}
	s := signedResponse(t, priv, challenge, time.Now(), KindAuthResponse)

	if !VerifyAuthResponse(s.Pubkey, challenge, s) {
		t.Fatal("expected valid response to verify")
	}
}

func TestVerifyAuthResponse_WrongContent(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	challenge, _ := NewChallenge()
	s := signedResponse(t, priv, "not-the-challenge", time.Now(), KindAuthResponse)

	if VerifyAuthResponse(s.Pubkey, challenge, s) {
		t.Fatal("expected mismatched content to fail verification")
	}
}

func TestVerifyAuthResponse_WrongKind(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	challenge, _ := NewChallenge()
	s := signedResponse(t, priv, challenge, time.Now(), 1)

	if VerifyAuthResponse(s.Pubkey, challenge, s) {
		t.Fatal("expected wrong kind to fail verification")
	}
}

func TestVerifyAuthResponse_StaleTimestamp(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	challenge, _ := NewChallenge()
	s := signedResponse(t, priv, challenge, time.Now().Add(-10*time.Minute), KindAuthResponse)

	if VerifyAuthResponse(s.Pubkey, challenge, s) {
		t.Fatal("expected stale timestamp to fail verification")
	}
}

func TestVerifyAuthResponse_PubkeyMismatch(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	other, _ := secp256k1.GeneratePrivateKey()
	challenge, _ := NewChallenge()
	s := signedResponse(t, priv, challenge, time.Now(), KindAuthResponse)

	otherPub := other.PubKey().SerializeCompressed()
	if VerifyAuthResponse(string(otherPub), challenge, s) {
		t.Fatal("expected claimed-pubkey mismatch to fail verification")
	}
}

func TestVerifyAuthResponse_TamperedSignature(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	challenge, _ := NewChallenge()
	s := signedResponse(t, priv, challenge, time.Now(), KindAuthResponse)
	s.Sig = s.Sig[:len(s.Sig)-2] + "00"

	if VerifyAuthResponse(s.Pubkey, challenge, s) {
		t.Fatal("expected tampered signature to fail verification")
	}
}
