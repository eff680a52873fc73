// Package pinblock builds, encrypts and decodes ISO 9564 PIN blocks for the
// terminal link. Clear blocks are handled as uppercase hex strings; encryption
// runs under operational keys obtained from keyderive, never under a raw master.
package pinblock

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Format selects the ISO 9564-1 PIN block format, identified on the wire by the
// first nibble of the clear block.
type Format int

const (
	ISO0 Format = iota // ISO 9564-1 Format 0 (ANSI X9.8), PAN-bound.
	ISO1               // ISO 9564-1 Format 1, random fill.
	ISO3               // ISO 9564-1 Format 3, PAN-bound with random fill.
	ISO4               // ISO 9564-1 Format 4, AES block size.
)

const (
	desBlockHexLen = 16 // formats 0/1/3: 8-byte block, 16 hex chars.
	aesBlockHexLen = 32 // format 4: 16-byte block, 32 hex chars.

	minPinLength = 4
	maxPinLength = 12
)

var (
	errInvalidPinLength      = errors.New("invalid pin length")
	errInvalidPanLength      = errors.New("invalid pan length")
	errInvalidPinBlockLength = errors.New("invalid pin block length")
	errInvalidPinBlockFormat = errors.New("unsupported or invalid pin block format")
	errPinBlockDecoding      = errors.New("pin block decoding failed")
	errPanRequired           = errors.New("pan is required for this pin block format")
	errInternalDecoding      = errors.New("internal error during decoding")
)

// ParseFormat maps a one-digit format tag to a Format.
func ParseFormat(tag string) (Format, error) {
	switch tag {
	case "0":
		return ISO0, nil
	case "1":
		return ISO1, nil
	case "3":
		return ISO3, nil
	case "4":
		return ISO4, nil
	default:
		return 0, fmt.Errorf("%w: tag %q", errInvalidPinBlockFormat, tag)
	}
}

// EncodePinBlock builds a clear PIN block from a PIN and PAN.
// PIN must be 4-12 decimal digits; PAN must carry at least 13 digits for the
// PAN-bound formats. The result is an uppercase hex string (16 chars for formats
// 0/1/3, 32 chars for format 4).
func EncodePinBlock(pin, pan string, format Format) (string, error) {
	if len(pin) < minPinLength || len(pin) > maxPinLength {
		return "", errInvalidPinLength
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("pin contains non-digit characters: %w", errInvalidPinLength)
		}
	}

	switch format {
	case ISO0:
		return encodeISO0(pin, pan)
	case ISO1:
		return encodeISO1(pin)
	case ISO3:
		return encodeISO3(pin, pan)
	case ISO4:
		return encodeISO4(pin)
	default:
		return "", errInvalidPinBlockFormat
	}
}

// DecodePinBlock extracts the PIN from a clear PIN block.
// For format 0 and 3 the same PAN used during encoding must be supplied so the
// identical PAN mask can be XORed back out.
func DecodePinBlock(pinBlockHex, pan string, format Format) (string, error) {
	pinBlockHex = strings.ToUpper(pinBlockHex)

	wantLen := desBlockHexLen
	if format == ISO4 {
		wantLen = aesBlockHexLen
	}
	if len(pinBlockHex) != wantLen {
		return "", errInvalidPinBlockLength
	}
	if _, err := hex.DecodeString(pinBlockHex); err != nil {
		return "", fmt.Errorf("pin block is not a valid hex string: %w", errInvalidPinBlockLength)
	}

	switch format {
	case ISO0:
		return decodeISO0(pinBlockHex, pan)
	case ISO1:
		return decodeISO1(pinBlockHex)
	case ISO3:
		return decodeISO3(pinBlockHex, pan)
	case ISO4:
		return decodeISO4(pinBlockHex)
	default:
		return "", errInvalidPinBlockFormat
	}
}
