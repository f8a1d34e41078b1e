package core

import (
	"crypto/ed25519"
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

// newTestBLSKeypair generates a fresh BLS12-381 keypair for use across the
// record/security/quote test files.
func newTestBLSKeypair(t *testing.T) (*bls.SecretKey, OwnerKey) {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &sk, OwnerKeyFromSecret(&sk)
}

func TestSignVerifyEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("ed25519 message")
	sig, err := Sign(AlgoEd25519, priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(AlgoEd25519, pub, msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected ed25519 signature to verify")
	}
}

func TestSignVerifyEd25519RejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig, err := Sign(AlgoEd25519, priv, []byte("original"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(AlgoEd25519, pub, []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected signature over a different message to fail verification")
	}
}

func TestSignVerifyBLSRoundTrip(t *testing.T) {
	sk, owner := newTestBLSKeypair(t)
	msg := []byte("bls message")
	sig, err := Sign(AlgoBLS, sk, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(AlgoBLS, owner[:], msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected BLS signature to verify against the compressed owner key")
	}
}

func TestSignRejectsWrongKeyType(t *testing.T) {
	if _, err := Sign(AlgoBLS, "not-a-bls-key", []byte("x")); err == nil {
		t.Fatalf("expected Sign to reject a mistyped BLS key")
	}
	if _, err := Sign(AlgoEd25519, "not-an-ed25519-key", []byte("x")); err == nil {
		t.Fatalf("expected Sign to reject a mistyped ed25519 key")
	}
}

func TestAggregateBLSSigsAndVerifyAggregated(t *testing.T) {
	msg := []byte("shared payload")

	sk1, _ := newTestBLSKeypair(t)
	sk2, _ := newTestBLSKeypair(t)

	sig1, err := Sign(AlgoBLS, sk1, msg)
	if err != nil {
		t.Fatalf("Sign sk1: %v", err)
	}
	sig2, err := Sign(AlgoBLS, sk2, msg)
	if err != nil {
		t.Fatalf("Sign sk2: %v", err)
	}

	aggSig, err := AggregateBLSSigs([][]byte{sig1, sig2})
	if err != nil {
		t.Fatalf("AggregateBLSSigs: %v", err)
	}

	pub1 := sk1.GetPublicKey()
	pub2 := sk2.GetPublicKey()
	var aggPub bls.PublicKey
	aggPub = *pub1
	aggPub.Add(pub2)

	ok, err := VerifyAggregated(aggSig, aggPub.Serialize(), msg)
	if err != nil {
		t.Fatalf("VerifyAggregated: %v", err)
	}
	if !ok {
		t.Fatalf("expected aggregated signature to verify against the aggregated public key")
	}
}

func TestAggregateBLSSigsRejectsEmpty(t *testing.T) {
	if _, err := AggregateBLSSigs(nil); err == nil {
		t.Fatalf("expected aggregating zero signatures to error")
	}
}
