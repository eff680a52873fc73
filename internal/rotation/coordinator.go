// Package rotation orchestrates the key rotation workflow between the key
// store, the HSM and the terminal link. It owns the per-attempt rotation state
// and guarantees that a failed rotation never leaves a half-installed key.
package rotation

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artivisi/termkeys/internal/hsmclient"
	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/pkg/keyderive"
	"github.com/artivisi/termkeys/pkg/macengine"
	"github.com/artivisi/termkeys/pkg/pinblock"
)

// Step is the position of an in-flight rotation in the workflow.
type Step int

const (
	StepRequested Step = iota
	StepDecrypting
	StepVerifying
	StepStored
	StepTested
	StepConfirmed
	StepActivated
)

func (s Step) String() string {
	switch s {
	case StepRequested:
		return "REQUESTED"
	case StepDecrypting:
		return "DECRYPTING"
	case StepVerifying:
		return "VERIFYING"
	case StepStored:
		return "STORED-PENDING"
	case StepTested:
		return "TESTED"
	case StepConfirmed:
		return "CONFIRMED"
	case StepActivated:
		return "ACTIVATED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrChecksumMismatch reports that the decrypted key failed its integrity
	// check. Non-retryable for this delivery: a fresh delivery must be
	// requested, never the same ciphertext retried.
	ErrChecksumMismatch = errors.New("rotation: key checksum mismatch")

	// ErrSelfTestFailed reports that the new key failed its trial operation
	// before activation. Non-retryable for this delivery.
	ErrSelfTestFailed = errors.New("rotation: new key self test failed")

	// ErrMalformedDelivery reports an encrypted key delivery that does not
	// match the IV || ciphertext contract.
	ErrMalformedDelivery = errors.New("rotation: malformed encrypted key delivery")

	// ErrNotificationInFlight reports that the terminal is already mid-rotation
	// and a duplicate trigger was suppressed.
	ErrNotificationInFlight = errors.New("rotation: rotation already in flight for terminal")
)

// state is the transient record of one rotation attempt. It is scoped to a
// single goroutine and discarded once the attempt completes or fails.
type state struct {
	rotationID       string
	terminalID       string
	keyType          keystore.KeyType
	step             Step
	expectedChecksum string
	gracePeriodEnd   time.Time
}

// Delivery is the outcome of a server-mediated distribution: the encrypted key
// material to forward to the terminal plus the PENDING record version the
// server will activate once the terminal proves the key in live traffic.
type Delivery struct {
	RotationID        string
	TerminalID        string
	KeyType           keystore.KeyType
	EncryptedKeyHex   string
	Checksum          string
	GracePeriodEndsAt time.Time
	PendingVersion    int
}

// HSM is the subset of the HSM contract the coordinator needs.
type HSM interface {
	RequestRotation(ctx context.Context, req hsmclient.RotationRequest) (*hsmclient.RotationResponse, error)
	ConfirmRotation(ctx context.Context, rotationID, confirmedBy string) error
}

// Notifier delivers a server-initiated rotation notice to a terminal, typically
// over the terminal link.
type Notifier interface {
	NotifyRotation(ctx context.Context, terminalID string, keyType keystore.KeyType) error
}

// Coordinator runs the rotation workflow. All collaborators are injected; the
// coordinator holds no global state beyond the in-flight slot tracking used to
// suppress duplicate server-initiated triggers.
type Coordinator struct {
	store            *keystore.Store
	hsm              HSM
	engine           *macengine.Engine
	pinMode          pinblock.CipherMode
	gracePeriodHours int
	confirmedBy      string
	log              zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string // slot -> rotation ID
}

// Config carries the coordinator's construction parameters.
type Config struct {
	Store            *keystore.Store
	HSM              HSM
	Engine           *macengine.Engine
	PinMode          pinblock.CipherMode
	GracePeriodHours int
	ConfirmedBy      string
	Logger           zerolog.Logger
}

// New builds a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.GracePeriodHours <= 0 {
		cfg.GracePeriodHours = 24
	}
	if cfg.ConfirmedBy == "" {
		cfg.ConfirmedBy = "termkeys"
	}

	return &Coordinator{
		store:            cfg.Store,
		hsm:              cfg.HSM,
		engine:           cfg.Engine,
		pinMode:          cfg.PinMode,
		gracePeriodHours: cfg.GracePeriodHours,
		confirmedBy:      cfg.ConfirmedBy,
		log:              cfg.Logger,
		inflight:         make(map[string]string),
	}
}

func slotKey(terminalID string, keyType keystore.KeyType) string {
	return terminalID + "|" + string(keyType)
}

func (c *Coordinator) markInFlight(terminalID string, keyType keystore.KeyType, rotationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := slotKey(terminalID, keyType)
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = rotationID

	return true
}

func (c *Coordinator) clearInFlight(terminalID string, keyType keystore.KeyType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, slotKey(terminalID, keyType))
}

// InFlight reports whether a rotation is currently running for the slot.
func (c *Coordinator) InFlight(terminalID string, keyType keystore.KeyType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[slotKey(terminalID, keyType)]

	return busy
}

// Rotate runs the full terminal-initiated rotation for the slot: request,
// decrypt, verify, store pending, self-test, confirm to the HSM, activate.
// On any failure before storage the pre-rotation state is untouched; on a
// failure after storage the PENDING record is rolled back so a retry starts
// clean.
func (c *Coordinator) Rotate(
	ctx context.Context,
	terminalID, bankContext string,
	keyType keystore.KeyType,
) (*keystore.KeyRecord, error) {
	if !c.markInFlight(terminalID, keyType, "") {
		return nil, fmt.Errorf("%w: %s %s", ErrNotificationInFlight, terminalID, keyType)
	}
	defer c.clearInFlight(terminalID, keyType)

	pending, st, err := c.obtain(ctx, terminalID, bankContext, keyType)
	if err != nil {
		return nil, err
	}

	if err := c.finalize(ctx, pending, st); err != nil {
		return nil, err
	}

	activated, err := c.store.GetByVersion(ctx, terminalID, keyType, pending.Version)
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("event", "rotation_completed").
		Str("terminal_id", terminalID).
		Str("key_type", string(keyType)).
		Str("rotation_id", st.rotationID).
		Int("version", activated.Version).
		Str("check_value", activated.CheckValue).
		Msg("key rotation activated")

	return activated, nil
}

// Distribute runs the server-mediated variant: request, decrypt, verify and
// store PENDING, then hand the encrypted delivery back for forwarding to the
// terminal. Activation is deferred until the terminal authenticates a live
// message under the new key (the authentication commit phase).
func (c *Coordinator) Distribute(
	ctx context.Context,
	terminalID, bankContext string,
	keyType keystore.KeyType,
) (*Delivery, error) {
	if !c.markInFlight(terminalID, keyType, "") {
		return nil, fmt.Errorf("%w: %s %s", ErrNotificationInFlight, terminalID, keyType)
	}
	defer c.clearInFlight(terminalID, keyType)

	pending, st, err := c.obtain(ctx, terminalID, bankContext, keyType)
	if err != nil {
		return nil, err
	}

	return &Delivery{
		RotationID:        st.rotationID,
		TerminalID:        terminalID,
		KeyType:           keyType,
		EncryptedKeyHex:   st.encryptedKeyHex,
		Checksum:          st.expectedChecksum,
		GracePeriodEndsAt: st.gracePeriodEnd,
		PendingVersion:    pending.Version,
	}, nil
}

// ConfirmInstallation handles the terminal's installation outcome for a
// server-mediated delivery: on success the pending key is confirmed to the HSM
// and activated; on failure the pending record is rolled back.
func (c *Coordinator) ConfirmInstallation(
	ctx context.Context,
	terminalID string,
	keyType keystore.KeyType,
	success bool,
) error {
	valid, err := c.store.GetValidKeys(ctx, terminalID, keyType)
	if err != nil {
		return err
	}
	var pending *keystore.KeyRecord
	for _, record := range valid {
		if record.Status == keystore.StatusPending {
			pending = record
			break
		}
	}
	if pending == nil {
		return fmt.Errorf("%w: no pending %s for terminal %s",
			keystore.ErrNotFound, keyType, terminalID)
	}

	if !success {
		c.log.Warn().
			Str("event", "rotation_installation_failed").
			Str("terminal_id", terminalID).
			Str("key_type", string(keyType)).
			Str("rotation_id", pending.RotationID).
			Msg("terminal reported key installation failure, rolling back pending key")

		return c.store.RemovePending(ctx, terminalID, keyType)
	}

	if err := c.hsm.ConfirmRotation(ctx, pending.RotationID, c.confirmedBy); err != nil {
		// Transport failures are retryable with the same rotation ID; leave the
		// pending record in place so the terminal can re-confirm.
		if hsmclient.IsTransport(err) {
			return err
		}
		if rollbackErr := c.store.RemovePending(ctx, terminalID, keyType); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}

		return err
	}

	return c.store.Activate(ctx, terminalID, keyType, pending.Version)
}

// NotifyRotationDue emits a server-initiated rotation notice to the terminal.
// Duplicate triggers for a slot that is already mid-rotation are suppressed.
func (c *Coordinator) NotifyRotationDue(
	ctx context.Context,
	notifier Notifier,
	terminalID string,
	keyType keystore.KeyType,
) error {
	if c.InFlight(terminalID, keyType) {
		return fmt.Errorf("%w: %s %s", ErrNotificationInFlight, terminalID, keyType)
	}

	valid, err := c.store.GetValidKeys(ctx, terminalID, keyType)
	if err != nil {
		return err
	}
	for _, record := range valid {
		if record.Status == keystore.StatusPending {
			return fmt.Errorf("%w: pending key awaiting adoption for %s %s",
				ErrNotificationInFlight, terminalID, keyType)
		}
	}

	c.log.Info().
		Str("event", "rotation_notice").
		Str("terminal_id", terminalID).
		Str("key_type", string(keyType)).
		Msg("notifying terminal that key rotation is due")

	return notifier.NotifyRotation(ctx, terminalID, keyType)
}

type obtainState struct {
	state
	encryptedKeyHex string
}

// obtain runs steps REQUESTED through STORED-PENDING. Failures before storage
// leave no trace in the key store.
func (c *Coordinator) obtain(
	ctx context.Context,
	terminalID, bankContext string,
	keyType keystore.KeyType,
) (*keystore.KeyRecord, *obtainState, error) {
	st := &obtainState{state: state{terminalID: terminalID, keyType: keyType, step: StepRequested}}

	active, err := c.store.GetActive(ctx, terminalID, keyType)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.hsm.RequestRotation(ctx, hsmclient.RotationRequest{
		TerminalID:       terminalID,
		KeyType:          string(keyType),
		RotationType:     "SCHEDULED",
		GracePeriodHours: c.gracePeriodHours,
		Description:      fmt.Sprintf("%s rotation for terminal %s", keyType, terminalID),
	})
	if err != nil {
		return nil, nil, err
	}
	st.rotationID = resp.RotationID
	st.expectedChecksum = strings.ToUpper(resp.NewKeyChecksum)
	st.gracePeriodEnd = resp.GracePeriodEndsAt
	st.encryptedKeyHex = resp.EncryptedNewKey

	st.step = StepDecrypting
	newKey, err := decryptDelivery(resp.EncryptedNewKey, active.Value)
	if err != nil {
		return nil, nil, err
	}

	st.step = StepVerifying
	if err := verifyChecksum(newKey, st.expectedChecksum); err != nil {
		c.log.Error().
			Str("event", "rotation_checksum_mismatch").
			Str("terminal_id", terminalID).
			Str("key_type", string(keyType)).
			Str("rotation_id", st.rotationID).
			Msg("key delivery failed integrity check, aborting rotation")

		return nil, nil, err
	}

	st.step = StepStored
	pending, err := c.store.AddPending(ctx, terminalID, bankContext, keyType, newKey, st.rotationID)
	if err != nil {
		return nil, nil, err
	}

	c.log.Info().
		Str("event", "rotation_key_stored").
		Str("terminal_id", terminalID).
		Str("key_type", string(keyType)).
		Str("rotation_id", st.rotationID).
		Int("version", pending.Version).
		Msg("verified key stored as pending")

	return pending, st, nil
}

// finalize runs steps TESTED through ACTIVATED, rolling the PENDING record back
// on self-test or confirmation failure.
func (c *Coordinator) finalize(ctx context.Context, pending *keystore.KeyRecord, st *obtainState) error {
	st.step = StepTested
	if err := c.selfTest(pending); err != nil {
		if rollbackErr := c.store.RemovePending(ctx, pending.TerminalID, pending.KeyType); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}

		return err
	}

	st.step = StepConfirmed
	if err := c.hsm.ConfirmRotation(ctx, st.rotationID, c.confirmedBy); err != nil {
		if rollbackErr := c.store.RemovePending(ctx, pending.TerminalID, pending.KeyType); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}

		return err
	}

	st.step = StepActivated

	return c.store.Activate(ctx, pending.TerminalID, pending.KeyType, pending.Version)
}

// selfTest exercises the new key with a trial operation matching its purpose
// before it is trusted: a MAC generate/verify round trip for TSK, a PIN block
// encrypt/decrypt round trip for TPK, and a derivation check for TMK.
func (c *Coordinator) selfTest(record *keystore.KeyRecord) error {
	switch record.KeyType {
	case keystore.KeyTypeTSK:
		opKey, err := keyderive.Derive(record.Value,
			keyderive.MacContext(record.BankContext), keyderive.OperationalKeyBits)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
		vector := []byte("termkeys key self test vector")
		mac, err := c.engine.Generate(vector, opKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
		if !c.engine.Verify(vector, mac, opKey) {
			return ErrSelfTestFailed
		}
	case keystore.KeyTypeTPK:
		opKey, err := keyderive.Derive(record.Value,
			keyderive.PinContext(record.BankContext), keyderive.OperationalKeyBits)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
		clearBlock, err := pinblock.EncodePinBlock("1234", "4000001234567899", pinblock.ISO0)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
		encrypted, err := pinblock.EncryptBlock(clearBlock, opKey, c.pinMode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
		decrypted, err := pinblock.DecryptBlock(encrypted, opKey, c.pinMode)
		if err != nil || decrypted != clearBlock {
			return ErrSelfTestFailed
		}
	case keystore.KeyTypeTMK:
		if _, err := keyderive.Derive(record.Value, keyderive.DeliveryContext,
			keyderive.OperationalKeyBits); err != nil {
			return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
		}
	default:
		return fmt.Errorf("%w: unknown key type %q", ErrSelfTestFailed, record.KeyType)
	}

	return nil
}

// decryptDelivery opens an encrypted key delivery: hex(IV || AES-CBC
// ciphertext) under a key derived from the current active master with the
// fixed delivery context, PKCS#5 padded.
func decryptDelivery(encryptedHex string, currentMaster []byte) ([]byte, error) {
	raw, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex", ErrMalformedDelivery)
	}
	if len(raw) < 2*aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedDelivery, len(raw))
	}
	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]

	deliveryKey, err := keyderive.Derive(currentMaster, keyderive.DeliveryContext,
		keyderive.OperationalKeyBits)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(deliveryKey)
	if err != nil {
		return nil, fmt.Errorf("rotation: cipher setup failed: %w", err)
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	padLen := int(padded[len(padded)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(padded) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedDelivery)
	}
	for _, b := range padded[len(padded)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedDelivery)
		}
	}

	return padded[:len(padded)-padLen], nil
}

// verifyChecksum compares the first 16 hex characters of SHA-256 over the
// decrypted key against the HSM-supplied checksum.
func verifyChecksum(key []byte, expected string) error {
	sum := sha256.Sum256(key)
	got := strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: expected %s, calculated %s", ErrChecksumMismatch, expected, got)
	}

	return nil
}
