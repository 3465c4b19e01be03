package identity

import (
	"bytes"
	"errors"
	"testing"

	"graphshell/internal/access"
)

func TestSignVerify(t *testing.T) {
	a, err := Generate(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate(nil)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("delta")
	sig := a.Sign(msg)
	if !b.Verify(a.NodeID(), msg, sig) {
		t.Error("b should verify a's signature")
	}
	if b.Verify(b.NodeID(), msg, sig) {
		t.Error("signature must not verify under another key")
	}
	if Verify(a.NodeID(), []byte("tampered"), sig) {
		t.Error("tampered message verified")
	}
	if Verify("zz", msg, sig) {
		t.Error("malformed node id verified")
	}
}

func TestFromSecret_StableNodeID(t *testing.T) {
	a, _ := Generate(nil)
	restored, err := FromSecret(a.Secret(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if restored.NodeID() != a.NodeID() {
		t.Errorf("node id changed across restore: %s vs %s", restored.NodeID(), a.NodeID())
	}
	if !bytes.Equal(restored.Secret(), a.Secret()) {
		t.Error("secret mismatch")
	}
	if _, err := FromSecret([]byte("short"), nil); err == nil {
		t.Error("short secret accepted")
	}
}

func TestTrustDelegation(t *testing.T) {
	k, _ := Generate(access.NewStore())
	k.TrustPeer(access.TrustedPeer{NodeID: "p", DisplayName: "phone"})
	if got := k.TrustedPeers(); len(got) != 1 || got[0].DisplayName != "phone" {
		t.Fatalf("TrustedPeers = %+v", got)
	}
	if !k.RevokePeer("p") {
		t.Error("RevokePeer should report present peer")
	}
	if len(k.TrustedPeers()) != 0 {
		t.Error("peer still trusted after revoke")
	}
}

func TestPublicKey_Malformed(t *testing.T) {
	if _, err := PublicKey("abcd"); !errors.Is(err, ErrBadNodeID) {
		t.Errorf("err = %v", err)
	}
}
