// Package hsmclient talks to the Hardware Security Module over its JSON/HTTP
// contract. The HSM is an external trust boundary: only its request/response
// shapes matter here, never its internals.
package hsmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// TransportError wraps a network-level failure (connect, timeout). Callers may
// retry such failures; ConfirmRotation is idempotent by rotation ID, so
// re-confirmation after a timeout is always safe.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hsm transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx HSM response.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hsm rejected %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// RotationRequest asks the HSM to issue a new key for a terminal, encrypted
// under the terminal's current active master key.
type RotationRequest struct {
	TerminalID       string `json:"terminalId"`
	KeyType          string `json:"keyType"`
	RotationType     string `json:"rotationType"`
	GracePeriodHours int    `json:"gracePeriodHours"`
	Description      string `json:"description"`
}

// RotationResponse carries the encrypted key delivery.
// EncryptedNewKey is hex: 16-byte IV followed by the AES-CBC ciphertext.
// NewKeyChecksum is the first 16 hex characters of SHA-256 over the plaintext key.
type RotationResponse struct {
	RotationID        string    `json:"rotationId"`
	KeyType           string    `json:"keyType"`
	EncryptedNewKey   string    `json:"encryptedNewKey"`
	NewKeyChecksum    string    `json:"newKeyChecksum"`
	GracePeriodEndsAt time.Time `json:"gracePeriodEndsAt"`
	RotationStatus    string    `json:"rotationStatus"`
}

// ConfirmRequest acknowledges a completed key installation.
type ConfirmRequest struct {
	RotationID  string `json:"rotationId"`
	ConfirmedBy string `json:"confirmedBy"`
}

// PinTranslationRequest verifies a PIN by translating between the terminal key
// and the storage key inside the HSM.
type PinTranslationRequest struct {
	PinBlockUnderTerminalKey string `json:"pinBlockUnderTerminalKey"`
	PinBlockUnderStorageKey  string `json:"pinBlockUnderStorageKey"`
	TerminalID               string `json:"terminalId"`
	PAN                      string `json:"pan"`
	PinFormat                string `json:"pinFormat"`
	EncryptionAlgorithm      string `json:"encryptionAlgorithm"`
}

// PinPVVRequest verifies a PIN against a stored PIN Verification Value.
type PinPVVRequest struct {
	PinBlockUnderTerminalKey string `json:"pinBlockUnderTerminalKey"`
	StoredPVV                string `json:"storedPVV"`
	TerminalID               string `json:"terminalId"`
	PAN                      string `json:"pan"`
	PinFormat                string `json:"pinFormat"`
}

// PinVerifyResponse is the outcome of either PIN verification method.
type PinVerifyResponse struct {
	Valid   bool     `json:"valid"`
	Message string   `json:"message"`
	KeyIDs  []string `json:"keyIds"`
}

// Client is the HTTP client for the HSM contract.
type Client struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc.Timeout = d
	}
}

// WithLogger attaches a logger for request-level diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a Client for the HSM at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: defaultTimeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RequestRotation asks the HSM for a fresh key delivery. Not retryable with the
// same rotation intent: a retry yields a new rotation ID and new ciphertext.
func (c *Client) RequestRotation(ctx context.Context, req RotationRequest) (*RotationResponse, error) {
	var resp RotationResponse
	if err := c.post(ctx, "request_rotation", "/api/hsm/rotations", req, &resp); err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("rotation_id", resp.RotationID).
		Str("key_type", resp.KeyType).
		Str("terminal_id", req.TerminalID).
		Msg("hsm issued key rotation")

	return &resp, nil
}

// ConfirmRotation notifies the HSM that installation succeeded. Idempotent by
// rotation ID; safe to retry after a transport failure.
func (c *Client) ConfirmRotation(ctx context.Context, rotationID, confirmedBy string) error {
	req := ConfirmRequest{RotationID: rotationID, ConfirmedBy: confirmedBy}

	return c.post(ctx, "confirm_rotation", "/api/hsm/rotations/confirm", req, nil)
}

// VerifyPINTranslation verifies a PIN using the translation method.
func (c *Client) VerifyPINTranslation(ctx context.Context, req PinTranslationRequest) (*PinVerifyResponse, error) {
	var resp PinVerifyResponse
	if err := c.post(ctx, "verify_pin_translation", "/api/hsm/pin/translate", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// VerifyPINPVV verifies a PIN using the PVV method.
func (c *Client) VerifyPINPVV(ctx context.Context, req PinPVVRequest) (*PinVerifyResponse, error) {
	var resp PinVerifyResponse
	if err := c.post(ctx, "verify_pin_pvv", "/api/hsm/pin/pvv", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hsmclient: encode %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hsmclient: build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))

		return &StatusError{Op: op, StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("hsmclient: decode %s response: %w", op, err)
	}

	return nil
}

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError

	return errors.As(err, &te)
}
