// nolint:all // test package
package pinblock

import (
	"bytes"
	"crypto/aes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISO0RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		pin           string
		pan           string
		wantErrEncode error
	}{
		{name: "valid iso0", pin: "1234", pan: "1234567890123456"},
		{name: "valid iso0 longer pin", pin: "123456789012", pan: "1234567890123456"},
		{name: "missing pan", pin: "1234", pan: "", wantErrEncode: errPanRequired},
		{name: "short pan", pin: "1234", pan: "123456789012", wantErrEncode: errInvalidPanLength},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			encoded, err := EncodePinBlock(tt.pin, tt.pan, ISO0)
			if tt.wantErrEncode != nil {
				require.ErrorIs(t, err, tt.wantErrEncode)
				return
			}
			require.NoError(t, err)
			require.Len(t, encoded, desBlockHexLen)

			decoded, err := DecodePinBlock(encoded, tt.pan, ISO0)
			require.NoError(t, err)
			assert.Equal(t, tt.pin, decoded)
		})
	}
}

func TestISO0Deterministic(t *testing.T) {
	t.Parallel()

	first, err := EncodePinBlock("4321", "5432109876543210", ISO0)
	require.NoError(t, err)
	second, err := EncodePinBlock("4321", "5432109876543210", ISO0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestISO0KnownBlock(t *testing.T) {
	t.Parallel()

	// PIN 1234, PAN 4000001234562000: PIN field 041234FFFFFFFFFF XOR
	// 0000000123456200 = 0412 34FE DCBA 9DFF.
	block, err := EncodePinBlock("1234", "4000001234562000", ISO0)
	require.NoError(t, err)
	assert.Equal(t, "041234FEDCBA9DFF", block)
}

func TestRandomFillFormatsRoundTrip(t *testing.T) {
	t.Parallel()

	pan := "1234567890123456"
	for _, format := range []Format{ISO1, ISO3, ISO4} {
		for _, pin := range []string{"1234", "876543", "123456789012"} {
			encoded, err := EncodePinBlock(pin, pan, format)
			require.NoError(t, err)

			decoded, err := DecodePinBlock(encoded, pan, format)
			require.NoError(t, err)
			assert.Equal(t, pin, decoded)
		}
	}
}

func TestISO4BlockLength(t *testing.T) {
	t.Parallel()

	encoded, err := EncodePinBlock("1234", "", ISO4)
	require.NoError(t, err)
	assert.Len(t, encoded, aesBlockHexLen)
	assert.True(t, strings.HasPrefix(encoded, "44"))
}

func TestEncodeInvalidPin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pin  string
	}{
		{name: "too short", pin: "123"},
		{name: "too long", pin: "1234567890123"},
		{name: "non digit", pin: "12a4"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := EncodePinBlock(tt.pin, "1234567890123456", ISO0)
			require.ErrorIs(t, err, errInvalidPinLength)
		})
	}
}

func TestDecodeRejectsWrongPan(t *testing.T) {
	t.Parallel()

	encoded, err := EncodePinBlock("1234", "1234567890123456", ISO0)
	require.NoError(t, err)

	// A different PAN produces a different mask; either the prefix, the PIN
	// digits or the padding no longer validate.
	_, err = DecodePinBlock(encoded, "9999888877776666", ISO0)
	assert.Error(t, err)
}

func TestDecodeMalformedBlock(t *testing.T) {
	t.Parallel()

	_, err := DecodePinBlock("0412", "1234567890123456", ISO0)
	assert.ErrorIs(t, err, errInvalidPinBlockLength)

	_, err = DecodePinBlock("ZZ1234FEDCBA9DFF", "1234567890123456", ISO0)
	assert.Error(t, err)
}

func TestFullPinChainRoundTrip(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x5A}, 16)
	pan := "4000001234562000"

	tests := []struct {
		name string
		pin  string
		mode CipherMode
	}{
		{name: "cbc shortest pin", pin: "1234", mode: ModeCBC},
		{name: "cbc longest pin", pin: "123456789012", mode: ModeCBC},
		{name: "ecb shortest pin", pin: "1234", mode: ModeECB},
		{name: "ecb longest pin", pin: "123456789012", mode: ModeECB},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clearBlock, err := EncodePinBlock(tt.pin, pan, ISO0)
			require.NoError(t, err)

			encrypted, err := EncryptBlock(clearBlock, key, tt.mode)
			require.NoError(t, err)
			if tt.mode == ModeCBC {
				// IV plus one padded block.
				require.Len(t, encrypted, 2*aes.BlockSize)
			} else {
				require.Len(t, encrypted, aes.BlockSize)
			}

			decrypted, err := DecryptBlock(encrypted, key, tt.mode)
			require.NoError(t, err)
			require.Equal(t, clearBlock, decrypted)

			pin, err := DecodePinBlock(decrypted, pan, ISO0)
			require.NoError(t, err)
			assert.Equal(t, tt.pin, pin)
		})
	}
}

func TestEncryptBlockCBCFreshIV(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x5A}, 16)
	clearBlock, err := EncodePinBlock("1234", "4000001234562000", ISO0)
	require.NoError(t, err)

	first, err := EncryptBlock(clearBlock, key, ModeCBC)
	require.NoError(t, err)
	second, err := EncryptBlock(clearBlock, key, ModeCBC)
	require.NoError(t, err)

	// A fresh IV per encryption keeps identical clear blocks unlinkable.
	assert.NotEqual(t, first, second)
}

func TestEncryptDecryptBlockRejectsBadInput(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x5A}, 16)
	clearBlock, err := EncodePinBlock("1234", "4000001234562000", ISO0)
	require.NoError(t, err)

	_, err = EncryptBlock(clearBlock, key[:8], ModeCBC)
	require.ErrorIs(t, err, errInvalidKeyLength)

	_, err = EncryptBlock("not-hex", key, ModeCBC)
	require.Error(t, err)

	_, err = DecryptBlock([]byte{0x01, 0x02}, key, ModeCBC)
	require.ErrorIs(t, err, errInvalidCiphertext)

	_, err = DecryptBlock(make([]byte, aes.BlockSize), key, ModeECB)
	require.ErrorIs(t, err, errInvalidPKCSPadding)
}

func TestParseCipherMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseCipherMode("cbc")
	require.NoError(t, err)
	assert.Equal(t, ModeCBC, mode)

	mode, err = ParseCipherMode("ecb")
	require.NoError(t, err)
	assert.Equal(t, ModeECB, mode)

	_, err = ParseCipherMode("gcm")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for tag, want := range map[string]Format{"0": ISO0, "1": ISO1, "3": ISO3, "4": ISO4} {
		got, err := ParseFormat(tag)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("2")
	assert.Error(t, err)
}
