package codec

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"geohub/core/errors"
)

func TestCanonicalDeterministic(t *testing.T) {
	a := map[string]any{"b": "2", "a": "1", "c": map[string]any{"y": "1", "x": "2"}}
	first, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, err := Canonical(map[string]any{"c": map[string]any{"x": "2", "y": "1"}, "a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("canonical form not stable: %s vs %s", first, second)
	}
	if string(first) != `{"a":"1","b":"2","c":{"x":"2","y":"1"}}` {
		t.Fatalf("unexpected canonical form: %s", first)
	}
}

func TestCanonicalDecimal(t *testing.T) {
	cases := map[string]string{
		"50":      "50",
		"50.00":   "50",
		"50.500":  "50.5",
		"0.1":     "0.1",
		"1000":    "1000",
		"3.14159": "3.14159",
	}
	for in, want := range cases {
		d, err := decimal.NewFromString(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got := CanonicalDecimal(d); got != want {
			t.Fatalf("CanonicalDecimal(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("10.55", 2); err != nil {
		t.Fatalf("valid amount rejected: %v", err)
	}
	if _, err := ParseAmount("10.555", 2); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("excess precision: want VALIDATION, got %v", err)
	}
	if _, err := ParseAmount("0", 2); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("zero amount: want VALIDATION, got %v", err)
	}
	if _, err := ParseAmount("-5", 2); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("negative amount: want VALIDATION, got %v", err)
	}
	if _, err := ParseAmount("abc", 2); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("garbage amount: want VALIDATION, got %v", err)
	}
}

func signPayload(t *testing.T, payload []byte) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	canon, err := jcs.Transform(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := ed25519.Sign(priv, canon)
	return hex.EncodeToString(pub), hex.EncodeToString(sig)
}

func TestVerifySignature(t *testing.T) {
	payload, _ := json.Marshal(PaymentIntent{
		From: "alice", To: "bob", Equivalent: "HOUR", Amount: "5",
		Nonce: "n-1", IssuedAt: 1700000000,
	})
	pub, sig := signPayload(t, payload)

	if err := VerifySignature(SignedPayload{Payload: payload, PublicKey: pub, Signature: sig}); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Signature verifies even when the wire bytes reorder keys: the
	// canonical form is what was signed.
	reordered := []byte(`{"to":"bob","from":"alice","equivalent":"HOUR","amount":"5","nonce":"n-1","issued_at":1700000000}`)
	if err := VerifySignature(SignedPayload{Payload: reordered, PublicKey: pub, Signature: sig}); err != nil {
		t.Fatalf("reordered payload rejected: %v", err)
	}

	tampered := []byte(`{"from":"alice","to":"bob","equivalent":"HOUR","amount":"6","nonce":"n-1","issued_at":1700000000}`)
	err := VerifySignature(SignedPayload{Payload: tampered, PublicKey: pub, Signature: sig})
	if errors.CodeOf(err) != errors.CodeInvalidSignature {
		t.Fatalf("tampered payload: want INVALID_SIGNATURE, got %v", err)
	}

	err = VerifySignature(SignedPayload{Payload: payload, PublicKey: "zz", Signature: sig})
	if errors.CodeOf(err) != errors.CodeInvalidSignature {
		t.Fatalf("bad key: want INVALID_SIGNATURE, got %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	var intent PaymentIntent
	good := []byte(`{"from":"a","to":"b","equivalent":"HOUR","amount":"1","nonce":"n","issued_at":1}`)
	if err := DecodeStrict(good, &intent); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	unknown := []byte(`{"from":"a","to":"b","equivalent":"HOUR","amount":"1","nonce":"n","issued_at":1,"extra":true}`)
	if err := DecodeStrict(unknown, &intent); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("unknown field: want VALIDATION, got %v", err)
	}
	trailing := []byte(`{"from":"a","to":"b","equivalent":"HOUR","amount":"1","nonce":"n","issued_at":1}{}`)
	if err := DecodeStrict(trailing, &intent); errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("trailing data: want VALIDATION, got %v", err)
	}
}
