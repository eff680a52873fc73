// Package macengine computes and verifies message authentication codes for the
// terminal link. Two algorithms are supported behind the same 16-byte wire format:
// AES-CMAC (NIST SP 800-38B) and HMAC-SHA256 truncated to 16 bytes.
package macengine

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Algorithm selects the MAC computation used by an Engine.
type Algorithm int

const (
	// AlgorithmCMAC is AES-CMAC over a 128- or 256-bit key.
	AlgorithmCMAC Algorithm = iota
	// AlgorithmHMACSHA256 is HMAC-SHA256 truncated to the first 16 bytes.
	AlgorithmHMACSHA256
)

const (
	// MACLength is the fixed wire size of a MAC regardless of algorithm.
	MACLength = 16

	// KeyLengthAES128 and KeyLengthAES256 are the accepted key sizes in bytes.
	KeyLengthAES128 = 16
	KeyLengthAES256 = 32

	iso7816PaddingByte = 0x80
	cmacRb             = 0x87
)

var (
	errEmptyData        = errors.New("macengine: data must not be empty")
	errInvalidKeyLength = errors.New("macengine: key must be 16 or 32 bytes")
	errUnknownAlgorithm = errors.New("macengine: unknown algorithm")
)

// Engine generates and verifies MACs with a fixed algorithm. The zero value is a
// CMAC engine.
type Engine struct {
	alg Algorithm
}

// New returns an Engine for the given algorithm.
func New(alg Algorithm) *Engine {
	return &Engine{alg: alg}
}

// ParseAlgorithm maps a configuration string to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "cmac":
		return AlgorithmCMAC, nil
	case "hmac-sha256":
		return AlgorithmHMACSHA256, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownAlgorithm, name)
	}
}

// Generate computes the 16-byte MAC over data under key.
// data must be non-empty; key must be 16 or 32 bytes.
func (e *Engine) Generate(data, key []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errEmptyData
	}
	if len(key) != KeyLengthAES128 && len(key) != KeyLengthAES256 {
		return nil, fmt.Errorf("%w, got %d", errInvalidKeyLength, len(key))
	}

	switch e.alg {
	case AlgorithmCMAC:
		return cmacAES(data, key)
	case AlgorithmHMACSHA256:
		mac := hmac.New(sha256.New, key)
		mac.Write(data)

		return mac.Sum(nil)[:MACLength], nil
	default:
		return nil, errUnknownAlgorithm
	}
}

// Verify recomputes the MAC over data and compares it to mac in constant time.
// Any failure (mismatch, malformed MAC length, bad key) yields false, never an
// error: a failed MAC is a routine authentication outcome.
func (e *Engine) Verify(data, mac, key []byte) bool {
	if len(mac) != MACLength {
		return false
	}
	computed, err := e.Generate(data, key)
	if err != nil {
		return false
	}

	return hmac.Equal(computed, mac)
}

// cmacAES computes a full-block AES-CMAC per NIST SP 800-38B.
func cmacAES(msg, key []byte) ([]byte, error) {
	const blockSize = aes.BlockSize

	cipherBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("macengine: cipher setup failed: %w", err)
	}

	k1, k2 := deriveSubkeys(cipherBlock.Encrypt)

	// Pad the final block with 0x80 0x00.. when the message is not block aligned,
	// then mask it with k1 (aligned) or k2 (padded).
	var blocks [][]byte
	if len(msg) > 0 && len(msg)%blockSize == 0 {
		blocks = chunk(msg, blockSize)
		blocks[len(blocks)-1] = xorBytes(blocks[len(blocks)-1], k1)
	} else {
		padded := make([]byte, (len(msg)/blockSize+1)*blockSize)
		copy(padded, msg)
		padded[len(msg)] = iso7816PaddingByte
		blocks = chunk(padded, blockSize)
		blocks[len(blocks)-1] = xorBytes(blocks[len(blocks)-1], k2)
	}

	// CBC-AES with zero IV; the final cipher block is the MAC.
	h := make([]byte, blockSize)
	for _, x := range blocks {
		cipherBlock.Encrypt(h, xorBytes(x, h))
	}

	return h, nil
}

// deriveSubkeys generates the CMAC subkeys k1, k2 per NIST SP 800-38B.
func deriveSubkeys(encrypt func(dst, src []byte)) ([]byte, []byte) {
	const blockSize = aes.BlockSize

	l := make([]byte, blockSize)
	encrypt(l, make([]byte, blockSize))

	k1 := shiftLeft(l)
	if (l[0] >> 7) == 1 {
		k1[blockSize-1] ^= cmacRb
	}

	k2 := shiftLeft(k1)
	if (k1[0] >> 7) == 1 {
		k2[blockSize-1] ^= cmacRb
	}

	return k1, k2
}

// shiftLeft returns b shifted left by one bit.
func shiftLeft(b []byte) []byte {
	out := make([]byte, len(b))
	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		out[i] = (b[i] << 1) | carry
		carry = (b[i] >> 7) & 1
	}

	return out
}

// chunk splits b into blocks of size sz. b must be a multiple of sz.
func chunk(b []byte, sz int) [][]byte {
	out := make([][]byte, 0, len(b)/sz)
	for i := 0; i < len(b); i += sz {
		out = append(out, b[i:i+sz])
	}

	return out
}

// xorBytes returns a^b for equal-length slices.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}

	return out
}
