// Package keystore is the durable registry of terminal key records. Records are
// keyed by (terminal, key type, version); at most one record per slot is ACTIVE
// and at most one is PENDING at any time.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// KeyType identifies the purpose of a terminal key.
type KeyType string

const (
	// KeyTypeTPK is the Terminal PIN Key used for PIN block encryption.
	KeyTypeTPK KeyType = "TPK"
	// KeyTypeTSK is the Terminal Session Key used for message authentication.
	KeyTypeTSK KeyType = "TSK"
	// KeyTypeTMK is the Terminal Master Key used as a key-encrypting key.
	KeyTypeTMK KeyType = "TMK"
)

// ParseKeyType maps a string to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(strings.ToUpper(s)) {
	case KeyTypeTPK:
		return KeyTypeTPK, nil
	case KeyTypeTSK:
		return KeyTypeTSK, nil
	case KeyTypeTMK:
		return KeyTypeTMK, nil
	default:
		return "", fmt.Errorf("keystore: unknown key type %q", s)
	}
}

// KeyStatus is the lifecycle state of a key record.
type KeyStatus string

const (
	StatusActive  KeyStatus = "ACTIVE"
	StatusPending KeyStatus = "PENDING"
	StatusExpired KeyStatus = "EXPIRED"
)

// KeyRecord is a single key material entry.
type KeyRecord struct {
	ID             string
	TerminalID     string
	KeyType        KeyType
	BankContext    string
	Value          []byte
	CheckValue     string
	Status         KeyStatus
	Version        int
	RotationID     string
	EffectiveFrom  *time.Time
	EffectiveUntil *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CheckValue returns the audit check value for key material: the first 16 hex
// characters of SHA-256 over the raw key bytes.
func CheckValue(key []byte) string {
	sum := sha256.Sum256(key)

	return strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
}
