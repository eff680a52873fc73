package pinblock

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// CipherMode selects the block cipher chaining mode used for PIN block encryption.
type CipherMode int

const (
	// ModeCBC encrypts with AES-CBC under a random IV; output is IV || ciphertext.
	ModeCBC CipherMode = iota
	// ModeECB encrypts with AES-ECB; output is the ciphertext only.
	ModeECB
)

const operationalKeyLen = 16

var (
	errInvalidKeyLength   = errors.New("pinblock: operational key must be 16 bytes")
	errInvalidCiphertext  = errors.New("pinblock: malformed encrypted pin block")
	errInvalidCipherMode  = errors.New("pinblock: unknown cipher mode")
	errInvalidPKCSPadding = errors.New("pinblock: invalid pkcs padding")
)

// ParseCipherMode maps a configuration string to a CipherMode.
func ParseCipherMode(name string) (CipherMode, error) {
	switch name {
	case "cbc":
		return ModeCBC, nil
	case "ecb":
		return ModeECB, nil
	default:
		return 0, fmt.Errorf("%w: %q", errInvalidCipherMode, name)
	}
}

// EncryptBlock encrypts a clear PIN block (hex string) under a 16-byte operational
// key. The key must come from keyderive; raw master keys are never accepted here.
func EncryptBlock(clearBlockHex string, key []byte, mode CipherMode) ([]byte, error) {
	if len(key) != operationalKeyLen {
		return nil, fmt.Errorf("%w, got %d", errInvalidKeyLength, len(key))
	}
	clear, err := hex.DecodeString(clearBlockHex)
	if err != nil {
		return nil, fmt.Errorf("pinblock: clear block is not valid hex: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pinblock: cipher setup failed: %w", err)
	}

	padded := padPKCS5(clear, aes.BlockSize)

	switch mode {
	case ModeCBC:
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("pinblock: iv generation failed: %w", err)
		}
		ct := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

		return append(iv, ct...), nil
	case ModeECB:
		ct := make([]byte, len(padded))
		for i := 0; i < len(padded); i += aes.BlockSize {
			block.Encrypt(ct[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
		}

		return ct, nil
	default:
		return nil, errInvalidCipherMode
	}
}

// DecryptBlock decrypts an encrypted PIN block back to the clear block hex string.
func DecryptBlock(encrypted, key []byte, mode CipherMode) (string, error) {
	if len(key) != operationalKeyLen {
		return "", fmt.Errorf("%w, got %d", errInvalidKeyLength, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("pinblock: cipher setup failed: %w", err)
	}

	var padded []byte
	switch mode {
	case ModeCBC:
		if len(encrypted) < 2*aes.BlockSize || len(encrypted)%aes.BlockSize != 0 {
			return "", errInvalidCiphertext
		}
		iv, ct := encrypted[:aes.BlockSize], encrypted[aes.BlockSize:]
		padded = make([]byte, len(ct))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)
	case ModeECB:
		if len(encrypted) == 0 || len(encrypted)%aes.BlockSize != 0 {
			return "", errInvalidCiphertext
		}
		padded = make([]byte, len(encrypted))
		for i := 0; i < len(encrypted); i += aes.BlockSize {
			block.Decrypt(padded[i:i+aes.BlockSize], encrypted[i:i+aes.BlockSize])
		}
	default:
		return "", errInvalidCipherMode
	}

	clear, err := unpadPKCS5(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}

	return strings.ToUpper(hex.EncodeToString(clear)), nil
}

// padPKCS5 pads data to a multiple of blockSize per PKCS#5/#7.
func padPKCS5(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize

	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// unpadPKCS5 strips PKCS#5/#7 padding.
func unpadPKCS5(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errInvalidPKCSPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errInvalidPKCSPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errInvalidPKCSPadding
		}
	}

	return data[:len(data)-padLen], nil
}
