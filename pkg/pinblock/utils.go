package pinblock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// randomHexDigit returns a random hex digit (0-F).
func randomHexDigit() string {
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the system entropy source is broken.
		panic(fmt.Sprintf("pinblock: random source unavailable: %v", err))
	}

	return fmt.Sprintf("%X", b[0]%16)
}

// randomHexDigitAF returns a random hex digit (A-F).
func randomHexDigitAF() string {
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("pinblock: random source unavailable: %v", err))
	}

	return fmt.Sprintf("%X", (b[0]%6)+10)
}

// xorHexStrings XORs two equal-length hex strings. Result is uppercase hex.
func xorHexStrings(s1, s2 string) (string, error) {
	b1, err := hex.DecodeString(s1)
	if err != nil {
		return "", fmt.Errorf("invalid hex string s1: %w", err)
	}
	b2, err := hex.DecodeString(s2)
	if err != nil {
		return "", fmt.Errorf("invalid hex string s2: %w", err)
	}

	if len(b1) != len(b2) {
		return "", fmt.Errorf(
			"hex strings must have equal length to xor (s1 len %d, s2 len %d)",
			len(b1),
			len(b2),
		)
	}

	resultBytes := make([]byte, len(b1))
	for i := range b1 {
		resultBytes[i] = b1[i] ^ b2[i]
	}

	return strings.ToUpper(hex.EncodeToString(resultBytes)), nil
}

// get12PanDigits returns the 12 rightmost PAN digits excluding the check digit.
// The PAN must carry at least 13 digits so that 12 remain after the check digit
// is dropped.
func get12PanDigits(pan string) (string, error) {
	if pan == "" {
		return "", errPanRequired
	}
	panDigits := ""
	for _, r := range pan {
		if r >= '0' && r <= '9' {
			panDigits += string(r)
		}
	}

	if len(panDigits) < 13 {
		return "", errInvalidPanLength
	}

	panWithoutCheckDigit := panDigits[:len(panDigits)-1]

	return panWithoutCheckDigit[len(panWithoutCheckDigit)-12:], nil
}
