package identity

import "testing"

func TestGenerateDerivesConsistentPeerID(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if kp.PeerID.Validate() != nil {
		t.Fatalf("derived peer id is invalid: %v", kp.PeerID.Validate())
	}

	rebuilt, err := FromPrivateKey(kp.Private)
	if err != nil {
		t.Fatalf("from private key: %v", err)
	}
	if rebuilt.PeerID != kp.PeerID {
		t.Fatalf("peer id mismatch after rebuild: %v != %v", rebuilt.PeerID, kp.PeerID)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("pairing-nonce")
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestTwoDevicesHaveDistinctIdentities(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.PeerID == b.PeerID {
		t.Fatal("expected distinct peer ids for distinct keypairs")
	}
}
