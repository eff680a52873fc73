// Package auth verifies and signs terminal message MACs against the key store.
// During a rotation grace period inbound traffic may authenticate under either
// the ACTIVE key or the PENDING one; replies are always pinned to the exact key
// version that verified the request.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/pkg/keyderive"
	"github.com/artivisi/termkeys/pkg/macengine"
)

// ErrAuthFailure reports that a message MAC matched none of the currently
// valid keys for the terminal. Deliberately carries no detail about which keys
// were tried.
var ErrAuthFailure = errors.New("auth: message authentication failed")

// Result describes which key verified an inbound message. Callers use
// KeyVersion to pin the reply MAC and UsedPending to trigger adoption of a
// freshly delivered key.
type Result struct {
	KeyVersion  int
	KeyStatus   keystore.KeyStatus
	UsedPending bool
}

// Committer finalizes the adoption of a pending session key once the terminal
// has proven it in live traffic. Typically backed by the rotation coordinator,
// which also confirms the installation upstream.
type Committer interface {
	ConfirmInstallation(ctx context.Context, terminalID string, keyType keystore.KeyType, success bool) error
}

// Orchestrator authenticates terminal traffic.
type Orchestrator struct {
	store     *keystore.Store
	engine    *macengine.Engine
	committer Committer
	log       zerolog.Logger
}

// New builds an Orchestrator over the given store and MAC engine.
func New(store *keystore.Store, engine *macengine.Engine, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, engine: engine, log: log}
}

// WithCommitter attaches the commit-phase handler for pending key adoption.
func (o *Orchestrator) WithCommitter(c Committer) *Orchestrator {
	o.committer = c

	return o
}

// VerifyInbound checks the MAC over the canonical message bytes against the
// terminal's keyType slot. The ACTIVE key is tried first; if it does not match
// and a PENDING key exists for the slot, that key is tried before the message
// is rejected. The per-message MAC key is derived from the stored key and
// never cached.
func (o *Orchestrator) VerifyInbound(
	ctx context.Context,
	terminalID, bankContext string,
	keyType keystore.KeyType,
	message, mac []byte,
) (*Result, error) {
	valid, err := o.store.GetValidKeys(ctx, terminalID, keyType)
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: no %s keys for terminal %s", keystore.ErrNotFound, keyType, terminalID)
	}

	for _, record := range orderActiveFirst(valid) {
		opKey, err := keyderive.Derive(record.Value,
			keyderive.MacContext(bankContext), keyderive.OperationalKeyBits)
		if err != nil {
			return nil, fmt.Errorf("auth: derive mac key: %w", err)
		}
		if !o.engine.Verify(message, mac, opKey) {
			continue
		}

		usedPending := record.Status == keystore.StatusPending
		if usedPending {
			o.log.Info().
				Str("event", "pending_key_adopted").
				Str("terminal_id", terminalID).
				Int("version", record.Version).
				Msg("terminal authenticated under pending session key")
		}

		return &Result{
			KeyVersion:  record.Version,
			KeyStatus:   record.Status,
			UsedPending: usedPending,
		}, nil
	}

	o.log.Warn().
		Str("event", "auth_failure").
		Str("terminal_id", terminalID).
		Int("keys_tried", len(valid)).
		Msg("inbound message failed authentication")

	return nil, fmt.Errorf("%w: terminal %s", ErrAuthFailure, terminalID)
}

// SignOutbound computes the reply MAC under the exact key version that
// verified the request. The version is never re-resolved: a rotation that
// activates mid-exchange must not change the key a reply is signed with.
func (o *Orchestrator) SignOutbound(
	ctx context.Context,
	terminalID, bankContext string,
	keyType keystore.KeyType,
	message []byte,
	keyVersion int,
) ([]byte, error) {
	record, err := o.store.GetByVersion(ctx, terminalID, keyType, keyVersion)
	if err != nil {
		return nil, err
	}

	opKey, err := keyderive.Derive(record.Value,
		keyderive.MacContext(bankContext), keyderive.OperationalKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: derive mac key: %w", err)
	}

	return o.engine.Generate(message, opKey)
}

// CommitPending finalizes a rotation after the terminal authenticated under
// the PENDING key and the paired response was delivered. A version that is
// already ACTIVE is a no-op, so replayed commits are harmless.
func (o *Orchestrator) CommitPending(
	ctx context.Context,
	terminalID string,
	keyType keystore.KeyType,
	version int,
) error {
	record, err := o.store.GetByVersion(ctx, terminalID, keyType, version)
	if err != nil {
		return err
	}

	switch record.Status {
	case keystore.StatusActive:
		return nil
	case keystore.StatusPending:
		if o.committer != nil {
			return o.committer.ConfirmInstallation(ctx, terminalID, keyType, true)
		}

		return o.store.Activate(ctx, terminalID, keyType, version)
	default:
		return fmt.Errorf("auth: cannot commit %s key version %d for terminal %s",
			record.Status, version, terminalID)
	}
}

// orderActiveFirst arranges records so the ACTIVE key is tried before any
// PENDING one, newest first within each status.
func orderActiveFirst(records []*keystore.KeyRecord) []*keystore.KeyRecord {
	ordered := make([]*keystore.KeyRecord, 0, len(records))
	for _, r := range records {
		if r.Status == keystore.StatusActive {
			ordered = append(ordered, r)
		}
	}
	for _, r := range records {
		if r.Status == keystore.StatusPending {
			ordered = append(ordered, r)
		}
	}

	return ordered
}
