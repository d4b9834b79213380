// Package codec renders signed payloads into a deterministic byte form and
// verifies the detached Ed25519 signatures carried by client operations.
//
// The canonical form is RFC 8785 (JCS): object keys sorted ascending, UTF-8
// strings, no insignificant whitespace, literal booleans and nulls. Decimal
// amounts are rendered as canonical strings before marshalling so the JSON
// layer never sees a number it could reformat.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"geohub/core/errors"
	"geohub/crypto"
)

// Canonical serializes v and transforms the result into RFC 8785 canonical
// bytes. The same payload yields the same bytes on every run.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: canonicalize payload: %w", err)
	}
	return canon, nil
}

// CanonicalDecimal renders d without trailing zeros: "50", "50.5", never
// "50.00" or "50.500". This is the only amount spelling that may appear in
// signed payloads and stored rows.
func CanonicalDecimal(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// ParseAmount parses a decimal string and validates it against the
// equivalent's precision. Rejects non-positive values and excess fractional
// digits.
func ParseAmount(raw string, precision int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.Wrap(errors.CodeValidation, "amount is not a decimal", err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, errors.New(errors.CodeValidation, "amount must be positive")
	}
	if d.Exponent() < -precision {
		return decimal.Zero, errors.Newf(errors.CodeValidation, "amount exceeds precision %d", precision)
	}
	return d, nil
}

// SignedPayload pairs a payload document with its claimed signer and
// signature, both hex encoded on the wire.
type SignedPayload struct {
	Payload   json.RawMessage
	PublicKey string
	Signature string
}

// VerifySignature checks the detached signature over the canonical form of
// the payload. It also rejects payloads whose canonical form differs from
// the supplied bytes only up to unknown-key injection: callers must have
// decoded the payload with DisallowUnknownFields before verification.
func VerifySignature(sp SignedPayload) error {
	pub, err := crypto.ParsePublicKey(sp.PublicKey)
	if err != nil {
		return errors.Wrap(errors.CodeInvalidSignature, "bad public key", err)
	}
	sig, err := crypto.ParseSignature(sp.Signature)
	if err != nil {
		return errors.Wrap(errors.CodeInvalidSignature, "bad signature encoding", err)
	}
	canon, err := jcs.Transform(sp.Payload)
	if err != nil {
		return errors.Wrap(errors.CodeInvalidSignature, "payload not canonicalizable", err)
	}
	if !crypto.Verify(pub, canon, sig) {
		return errors.ErrInvalidSignature
	}
	return nil
}

// DecodeStrict unmarshals data into v rejecting unknown keys. Signed payload
// shapes are closed sets: an unknown field is a protocol error, not an
// extension point.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.CodeValidation, "payload shape", err)
	}
	if dec.More() {
		return errors.New(errors.CodeValidation, "trailing data after payload")
	}
	return nil
}

// PaymentIntent is the signed payload for payment creation.
type PaymentIntent struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
	Amount     string `json:"amount"`
	Nonce      string `json:"nonce"`
	IssuedAt   int64  `json:"issued_at"`
}

// TrustLineChange is the signed payload for trust line create/update/close.
type TrustLineChange struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Equivalent string          `json:"equivalent"`
	Limit      string          `json:"limit,omitempty"`
	Policy     json.RawMessage `json:"policy,omitempty"`
	Action     string          `json:"action"`
	Nonce      string          `json:"nonce"`
	IssuedAt   int64           `json:"issued_at"`
}

// Registration is the signed payload for participant registration.
type Registration struct {
	PublicKey string `json:"public_key"`
	Profile   string `json:"profile,omitempty"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
}
