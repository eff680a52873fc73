package pinblock

import (
	"fmt"
	"strconv"
	"strings"
)

// ISO Format 0 (ANSI X9.8 / ISO 9564-1:2017 Format 0).
// Deterministic: the PIN field is XORed with a mask built from the 12 PAN digits
// immediately left of the check digit, so the same PIN and PAN always yield the
// same block and the mask can be reproduced to invert it.
func encodeISO0(pin, pan string) (string, error) {
	pinFieldStr := fmt.Sprintf("0%X%s", len(pin), pin)
	for len(pinFieldStr) < desBlockHexLen {
		pinFieldStr += "F"
	}

	relevantPan, err := get12PanDigits(pan)
	if err != nil {
		return "", err
	}
	panFieldStr := "0000" + relevantPan

	return xorHexStrings(pinFieldStr, panFieldStr)
}

func decodeISO0(pinBlockHex, pan string) (string, error) {
	relevantPan, err := get12PanDigits(pan)
	if err != nil {
		return "", err
	}
	panFieldStr := "0000" + relevantPan

	clearPinFieldHex, err := xorHexStrings(pinBlockHex, panFieldStr)
	if err != nil {
		return "", fmt.Errorf("%w: xor failed during iso0 decoding: %v", errInternalDecoding, err)
	}

	return extractPinField(clearPinFieldHex, '0', "iso0", validatePaddingF)
}

// ISO Format 1 (ISO 9564-1:2017 Format 1). Not PAN-bound; padding is random hex,
// so a freshly rebuilt block never matches the original.
func encodeISO1(pin string) (string, error) {
	pinBlockStr := fmt.Sprintf("1%X%s", len(pin), pin)
	for len(pinBlockStr) < desBlockHexLen {
		pinBlockStr += randomHexDigit()
	}

	return pinBlockStr, nil
}

func decodeISO1(pinBlockHex string) (string, error) {
	return extractPinField(pinBlockHex, '1', "iso1", validatePaddingHex)
}

// ISO Format 3 (ISO 9564-1:2017 Format 3). PAN-bound like format 0, but the PIN
// field padding is random fill digits A-F.
func encodeISO3(pin, pan string) (string, error) {
	pinFieldStr := fmt.Sprintf("3%X%s", len(pin), pin)
	for len(pinFieldStr) < desBlockHexLen {
		pinFieldStr += randomHexDigitAF()
	}

	relevantPan, err := get12PanDigits(pan)
	if err != nil {
		return "", err
	}
	panFieldStr := "0000" + relevantPan

	return xorHexStrings(pinFieldStr, panFieldStr)
}

func decodeISO3(pinBlockHex, pan string) (string, error) {
	relevantPan, err := get12PanDigits(pan)
	if err != nil {
		return "", err
	}
	panFieldStr := "0000" + relevantPan

	clearPinFieldHex, err := xorHexStrings(pinBlockHex, panFieldStr)
	if err != nil {
		return "", fmt.Errorf("%w: xor failed during iso3 decoding: %v", errInternalDecoding, err)
	}

	return extractPinField(clearPinFieldHex, '3', "iso3", validatePaddingAF)
}

// ISO Format 4 (ISO 9564-1:2017 Format 4). AES block size (16 bytes); the PIN
// field carries random hex fill and is not PAN-bound.
func encodeISO4(pin string) (string, error) {
	pinBlockStr := fmt.Sprintf("4%X%s", len(pin), pin)
	for len(pinBlockStr) < aesBlockHexLen {
		pinBlockStr += randomHexDigit()
	}

	return pinBlockStr, nil
}

func decodeISO4(pinBlockHex string) (string, error) {
	return extractPinField(pinBlockHex, '4', "iso4", validatePaddingHex)
}

// extractPinField parses a clear PIN field "TLPPPP..fill", validating the format
// tag, PIN length nibble, PIN digits and padding.
func extractPinField(
	clearPinFieldHex string,
	formatPrefix byte,
	formatName string,
	validatePadding func(string) bool,
) (string, error) {
	if clearPinFieldHex[0] != formatPrefix {
		return "", fmt.Errorf(
			"%w: decoded %s pin block has invalid format prefix, expected '%c'",
			errPinBlockDecoding,
			formatName,
			formatPrefix,
		)
	}

	pinLen, err := strconv.ParseInt(string(clearPinFieldHex[1]), 16, 64)
	if err != nil || pinLen < minPinLength || pinLen > maxPinLength {
		return "", fmt.Errorf(
			"%w: decoded %s pin block has invalid pin length (must be 4-C hex)",
			errPinBlockDecoding,
			formatName,
		)
	}

	pinEndIndex := 2 + int(pinLen)
	if pinEndIndex > len(clearPinFieldHex) {
		return "", fmt.Errorf(
			"%w: pin length exceeds block boundary in %s",
			errPinBlockDecoding,
			formatName,
		)
	}
	decodedPin := clearPinFieldHex[2:pinEndIndex]

	for _, charRune := range decodedPin {
		if charRune < '0' || charRune > '9' {
			return "", fmt.Errorf(
				"%w: decoded %s pin block contains non-numeric PIN characters",
				errPinBlockDecoding,
				formatName,
			)
		}
	}

	if !validatePadding(clearPinFieldHex[pinEndIndex:]) {
		return "", fmt.Errorf(
			"%w: decoded %s pin block has invalid padding",
			errPinBlockDecoding,
			formatName,
		)
	}

	return decodedPin, nil
}

func validatePaddingF(padding string) bool {
	for _, r := range padding {
		if r != 'F' {
			return false
		}
	}

	return true
}

func validatePaddingHex(padding string) bool {
	for _, r := range padding {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}

	return true
}

func validatePaddingAF(padding string) bool {
	for _, r := range padding {
		if !strings.ContainsRune("ABCDEF", r) {
			return false
		}
	}

	return true
}
