// Package keyderive derives purpose-bound operational keys from terminal master keys.
// A single 256-bit master key yields independent 128-bit operational keys by binding
// each derivation to a unique context string.
package keyderive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the fixed PBKDF2 iteration count. Both sides of the link must
	// use the same count or derived keys will not match.
	Iterations = 100_000

	// OperationalKeyBits is the size of purpose-bound keys used for MAC and PIN
	// operations.
	OperationalKeyBits = 128

	// DeliveryContext is the derivation context for rotation key delivery. The HSM
	// encrypts new key material under a key derived with this exact context.
	DeliveryContext = "KEY_DELIVERY:ROTATION"

	bitsPerByte = 8
)

var (
	errEmptyParentKey    = errors.New("keyderive: parent key must not be empty")
	errInvalidOutputBits = errors.New("keyderive: output bits must be a positive multiple of 8")
)

// Derive produces an outputBits-long key from parentKey bound to context.
// The derivation is PBKDF2-HMAC-SHA256 over the uppercase hex representation of
// parentKey, salted with the UTF-8 bytes of context. It is deterministic: the same
// inputs always produce the same output.
func Derive(parentKey []byte, context string, outputBits int) ([]byte, error) {
	if len(parentKey) == 0 {
		return nil, errEmptyParentKey
	}
	if outputBits <= 0 || outputBits%bitsPerByte != 0 {
		return nil, fmt.Errorf("%w: got %d", errInvalidOutputBits, outputBits)
	}

	password := []byte(strings.ToUpper(hex.EncodeToString(parentKey)))
	salt := []byte(context)

	return pbkdf2.Key(password, salt, Iterations, outputBits/bitsPerByte, sha256.New), nil
}

// MacContext returns the derivation context for the MAC operational key of a bank.
func MacContext(bankContext string) string {
	return "TSK:" + bankContext + ":MAC"
}

// PinContext returns the derivation context for the PIN-encryption operational key
// of a bank.
func PinContext(bankContext string) string {
	return "TPK:" + bankContext + ":PIN"
}
