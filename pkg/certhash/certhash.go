package certhash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidInput rejects fields the fingerprint preimage cannot represent.
var ErrInvalidInput = errors.New("invalid fingerprint input")

// Delimiter joins the four preimage fields. The on-ledger contract hashes the
// same "|"-joined string, so no field may contain the delimiter itself.
const Delimiter = "|"

// MaxFieldBytes bounds each preimage field.
const MaxFieldBytes = 512

// Fingerprint computes the Keccak-256 digest anchored on the ledger for a
// certificate: keccak256("{id}|{recipient}|{course}|{issuer}"). It must stay
// byte-identical across every component that computes it.
func Fingerprint(certificateID, recipientName, courseName, issuerAccount string) ([32]byte, error) {
	var sum [32]byte
	fields := []struct {
		name  string
		value string
	}{
		{"certificate_id", certificateID},
		{"recipient_name", recipientName},
		{"course_name", courseName},
		{"issuer_account", issuerAccount},
	}
	for _, f := range fields {
		if f.value == "" {
			return sum, fmt.Errorf("%w: %s is empty", ErrInvalidInput, f.name)
		}
		if len(f.value) > MaxFieldBytes {
			return sum, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, f.name, MaxFieldBytes)
		}
		if strings.Contains(f.value, Delimiter) {
			return sum, fmt.Errorf("%w: %s contains %q", ErrInvalidInput, f.name, Delimiter)
		}
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(certificateID + Delimiter + recipientName + Delimiter + courseName + Delimiter + issuerAccount))
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// FingerprintHex is Fingerprint hex-encoded, the form stored off-chain.
func FingerprintHex(certificateID, recipientName, courseName, issuerAccount string) (string, error) {
	sum, err := Fingerprint(certificateID, recipientName, courseName, issuerAccount)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}
