// Package server is the terminal-facing TCP link. It speaks the framed
// security-control payload: a 2-character operation code, an 8-character
// terminal ID and an op-specific body. Transaction traffic itself stays
// elsewhere; this link carries key management and authenticated echo only.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/rs/zerolog/log"

	"github.com/artivisi/termkeys/internal/auth"
	"github.com/artivisi/termkeys/internal/errorcodes"
	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/internal/logging"
	"github.com/artivisi/termkeys/internal/rotation"
)

// Security-control operation codes.
const (
	OpAuthEcho         = "00" // MAC-authenticated echo
	OpKeyRequestTPK    = "01" // terminal requests a new PIN key
	OpKeyRequestTSK    = "02" // terminal requests a new session key
	OpInstallOKTPK     = "03" // terminal confirms PIN key installation
	OpInstallOKTSK     = "04" // terminal confirms session key installation
	OpInstallFailedTPK = "05" // terminal reports PIN key installation failure
	OpInstallFailedTSK = "06" // terminal reports session key installation failure
	OpRotationNotice   = "07" // server-initiated rotation notice (push only)
)

const (
	opLen         = 2
	terminalIDLen = 8
	macHexLen     = 32
	headerLen     = opLen + terminalIDLen
)

// logAdapter implements anet.Logger using zerolog.
type logAdapter struct{}

func (l logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (l logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (l logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// Server wraps the anet TCP server and the key management logic behind it.
type Server struct {
	address     string
	srv         *anetserver.Server
	coordinator *rotation.Coordinator
	orch        *auth.Orchestrator
	bankContext string
	registry    *Registry
	activeConns int32
}

// NewServer configures and returns the terminal link server instance.
func NewServer(
	address, bankContext string,
	coordinator *rotation.Coordinator,
	orch *auth.Orchestrator,
) (*Server, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // disable idle connection closure.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &Server{
		address:     address,
		coordinator: coordinator,
		orch:        orch,
		bankContext: bankContext,
		registry:    NewRegistry(),
	}
	handler := anetserver.HandlerFunc(s.handle)
	srv, err := anetserver.NewServer(address, handler, cfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for terminal connections.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("terminal link started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// Registry exposes the terminal connection registry, used by the rotation
// coordinator to deliver server-initiated notices.
func (s *Server) Registry() *Registry {
	return s.registry
}

// handle dispatches one framed security-control message.
func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	if len(data) < headerLen {
		log.Error().Str("client_ip", client).Msg("malformed security-control message")
		return nil, errors.New("malformed security-control message")
	}

	op := string(data[:opLen])
	terminalID := strings.TrimSpace(string(data[opLen:headerLen]))
	body := data[headerLen:]
	if terminalID == "" {
		return respond(op, terminalID, errorcodes.Err30, nil, s.active()), nil
	}

	// Terminals register on their first message; the handle is reused to push
	// rotation notices back over the same connection.
	s.registry.Register(terminalID, conn)

	logging.LogInbound(terminalID, op, opDescription(op), data, s.active())

	ctx := context.Background()
	switch op {
	case OpAuthEcho:
		return s.handleAuthEcho(ctx, op, terminalID, body), nil
	case OpKeyRequestTPK:
		return s.handleKeyRequest(ctx, op, terminalID, keystore.KeyTypeTPK), nil
	case OpKeyRequestTSK:
		return s.handleKeyRequest(ctx, op, terminalID, keystore.KeyTypeTSK), nil
	case OpInstallOKTPK:
		return s.handleInstallOutcome(ctx, op, terminalID, keystore.KeyTypeTPK, true), nil
	case OpInstallOKTSK:
		return s.handleInstallOutcome(ctx, op, terminalID, keystore.KeyTypeTSK, true), nil
	case OpInstallFailedTPK:
		return s.handleInstallOutcome(ctx, op, terminalID, keystore.KeyTypeTPK, false), nil
	case OpInstallFailedTSK:
		return s.handleInstallOutcome(ctx, op, terminalID, keystore.KeyTypeTSK, false), nil
	default:
		log.Warn().
			Str("event", "unknown_op_code").
			Str("client_ip", client).
			Str("terminal_id", terminalID).
			Str("op_code", op).
			Msg("operation code not recognized")

		return respond(op, terminalID, errorcodes.Err12, nil, s.active()), nil
	}
}

// handleAuthEcho verifies the message MAC and echoes the body back under a MAC
// pinned to the key version that verified the request.
func (s *Server) handleAuthEcho(ctx context.Context, op, terminalID string, body []byte) []byte {
	if len(body) < macHexLen {
		return respond(op, terminalID, errorcodes.Err30, nil, s.active())
	}

	mac, err := hex.DecodeString(string(body[:macHexLen]))
	if err != nil {
		return respond(op, terminalID, errorcodes.Err30, nil, s.active())
	}
	payload := body[macHexLen:]

	// Canonical MAC input: the message with the MAC field stripped.
	canonical := make([]byte, 0, headerLen+len(payload))
	canonical = append(canonical, op...)
	canonical = append(canonical, padTerminalID(terminalID)...)
	canonical = append(canonical, payload...)

	result, err := s.orch.VerifyInbound(ctx, terminalID, s.bankContext, keystore.KeyTypeTSK, canonical, mac)
	switch {
	case err == nil:
	case errors.Is(err, keystore.ErrNotFound):
		return respond(op, terminalID, errorcodes.Err89, nil, s.active())
	case errors.Is(err, auth.ErrAuthFailure):
		return respond(op, terminalID, errorcodes.Err63, nil, s.active())
	default:
		return respond(op, terminalID, errorcodes.Err96, nil, s.active())
	}

	replyBody := append([]byte(errorcodes.Err00.CodeOnly()), payload...)
	replyMAC, err := s.orch.SignOutbound(ctx, terminalID, s.bankContext, keystore.KeyTypeTSK,
		replyBody, result.KeyVersion)
	if err != nil {
		return respond(op, terminalID, errorcodes.Err96, nil, s.active())
	}

	if result.UsedPending {
		// The terminal proved the freshly delivered key in live traffic:
		// finalize its adoption.
		if commitErr := s.orch.CommitPending(ctx, terminalID, keystore.KeyTypeTSK,
			result.KeyVersion); commitErr != nil {
			log.Error().
				Str("event", "pending_commit_failed").
				Str("terminal_id", terminalID).
				Int("version", result.KeyVersion).
				Err(commitErr).
				Msg("failed to commit pending session key")
		}
	}

	return respond(op, terminalID, errorcodes.Err00,
		append(payload, []byte(strings.ToUpper(hex.EncodeToString(replyMAC)))...), s.active())
}

// handleKeyRequest runs the server-mediated distribution and returns the
// encrypted delivery: response code, 16-character checksum, then the hex
// ciphertext.
func (s *Server) handleKeyRequest(
	ctx context.Context,
	op, terminalID string,
	keyType keystore.KeyType,
) []byte {
	delivery, err := s.coordinator.Distribute(ctx, terminalID, s.bankContext, keyType)
	switch {
	case err == nil:
	case errors.Is(err, keystore.ErrRotationConflict), errors.Is(err, rotation.ErrNotificationInFlight):
		return respond(op, terminalID, errorcodes.Err92, nil, s.active())
	case errors.Is(err, rotation.ErrChecksumMismatch):
		return respond(op, terminalID, errorcodes.Err40, nil, s.active())
	case errors.Is(err, keystore.ErrNotFound):
		return respond(op, terminalID, errorcodes.Err89, nil, s.active())
	default:
		return respond(op, terminalID, errorcodes.Err96, nil, s.active())
	}

	body := append([]byte(delivery.Checksum), []byte(delivery.EncryptedKeyHex)...)

	return respond(op, terminalID, errorcodes.Err00, body, s.active())
}

// handleInstallOutcome finalizes or rolls back a delivered key based on the
// terminal's installation report.
func (s *Server) handleInstallOutcome(
	ctx context.Context,
	op, terminalID string,
	keyType keystore.KeyType,
	success bool,
) []byte {
	err := s.coordinator.ConfirmInstallation(ctx, terminalID, keyType, success)
	switch {
	case err == nil:
		return respond(op, terminalID, errorcodes.Err00, nil, s.active())
	case errors.Is(err, keystore.ErrNotFound):
		return respond(op, terminalID, errorcodes.Err89, nil, s.active())
	default:
		return respond(op, terminalID, errorcodes.Err96, nil, s.active())
	}
}

func (s *Server) active() int {
	return int(atomic.LoadInt32(&s.activeConns))
}

// respond builds and logs a response: response code followed by the body.
func respond(op, terminalID string, code errorcodes.ResponseCode, body []byte, activeConns int) []byte {
	resp := append([]byte(code.CodeOnly()), body...)

	logging.LogOutbound(terminalID, op, code.CodeOnly(), resp, activeConns)

	return resp
}

// opDescription names a security-control operation for the logs.
func opDescription(op string) string {
	switch op {
	case OpAuthEcho:
		return "authenticated echo"
	case OpKeyRequestTPK:
		return "PIN key change request"
	case OpKeyRequestTSK:
		return "session key change request"
	case OpInstallOKTPK:
		return "PIN key installation confirmed"
	case OpInstallOKTSK:
		return "session key installation confirmed"
	case OpInstallFailedTPK:
		return "PIN key installation failed"
	case OpInstallFailedTSK:
		return "session key installation failed"
	default:
		return "unknown operation"
	}
}

// padTerminalID space-pads a terminal ID to its fixed field width.
func padTerminalID(id string) string {
	return fmt.Sprintf("%-*s", terminalIDLen, id)
}
