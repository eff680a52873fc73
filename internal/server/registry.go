package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/rs/zerolog/log"

	"github.com/artivisi/termkeys/internal/keystore"
)

// Registry tracks which connection each terminal is reachable on. Terminals
// register on their first message and are dropped when a push write fails or
// the link layer reports a disconnect.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*anetserver.ServerConn
}

// NewRegistry creates an empty terminal registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*anetserver.ServerConn)}
}

// Register records the connection a terminal is currently reachable on,
// replacing any previous handle for the same terminal.
func (r *Registry) Register(terminalID string, conn *anetserver.ServerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[terminalID] = conn
}

// Unregister drops the terminal's connection handle.
func (r *Registry) Unregister(terminalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, terminalID)
}

// Connected reports whether the terminal has a registered connection.
func (r *Registry) Connected(terminalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[terminalID]

	return ok
}

// NotifyRotation pushes a rotation-due notice to the terminal over its
// registered connection. The notice carries the rotation notice op code, the
// padded terminal ID and the key type that is due.
func (r *Registry) NotifyRotation(_ context.Context, terminalID string, keyType keystore.KeyType) error {
	r.mu.RLock()
	conn, ok := r.conns[terminalID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server: terminal %s is not connected", terminalID)
	}

	payload := []byte(OpRotationNotice + padTerminalID(terminalID) + string(keyType))
	if err := writeFrame(conn, payload); err != nil {
		// A dead connection is dropped so the terminal re-registers on its
		// next inbound message.
		r.Unregister(terminalID)

		return fmt.Errorf("server: push notice to terminal %s: %w", terminalID, err)
	}

	log.Info().
		Str("event", "rotation_notice_sent").
		Str("terminal_id", terminalID).
		Str("key_type", string(keyType)).
		Msg("pushed rotation notice to terminal")

	return nil
}

// writeFrame writes one link frame: a 2-byte big-endian length prefix followed
// by the payload, matching the framing terminals read with.
func writeFrame(conn *anetserver.ServerConn, payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)

	_, err := conn.Conn.Write(frame)

	return err
}
