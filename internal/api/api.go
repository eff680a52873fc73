// Package api is the operator-facing HTTP surface: triggering key changes,
// notifying terminals that rotation is due and inspecting key record status.
// Key material itself is never served here, only metadata and check values.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/internal/rotation"
)

var terminalIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Rotator is the subset of the rotation coordinator the API drives.
type Rotator interface {
	Rotate(ctx context.Context, terminalID, bankContext string, keyType keystore.KeyType) (*keystore.KeyRecord, error)
	NotifyRotationDue(ctx context.Context, notifier rotation.Notifier, terminalID string, keyType keystore.KeyType) error
}

// Handler serves the admin API.
type Handler struct {
	rotator     Rotator
	store       *keystore.Store
	notifier    rotation.Notifier
	bankContext string
	log         zerolog.Logger
}

// NewHandler builds the admin API handler.
func NewHandler(
	rotator Rotator,
	store *keystore.Store,
	notifier rotation.Notifier,
	bankContext string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		rotator:     rotator,
		store:       store,
		notifier:    notifier,
		bankContext: bankContext,
		log:         log,
	}
}

// NewRouter wires the admin API routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Route("/api/keys", func(r chi.Router) {
		r.Post("/change", h.ChangeKey)
		r.Post("/notify", h.NotifyRotation)
		r.Get("/{terminalId}/{keyType}", h.ListKeyRecords)
	})

	return r
}

// ChangeKeyRequest asks for an immediate server-side key rotation.
type ChangeKeyRequest struct {
	TerminalID string `json:"terminalId"`
	KeyType    string `json:"keyType"`
}

// KeyRecordResponse is the metadata view of one key record.
type KeyRecordResponse struct {
	TerminalID     string `json:"terminalId"`
	KeyType        string `json:"keyType"`
	Status         string `json:"status"`
	Version        int    `json:"version"`
	CheckValue     string `json:"checkValue"`
	RotationID     string `json:"rotationId,omitempty"`
	EffectiveFrom  string `json:"effectiveFrom,omitempty"`
	EffectiveUntil string `json:"effectiveUntil,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// KeyRecordListResponse is the record listing for one key slot.
type KeyRecordListResponse struct {
	Records []KeyRecordResponse `json:"records"`
}

// ChangeKey runs a full rotation for the slot and returns the activated
// record's metadata.
func (h *Handler) ChangeKey(w http.ResponseWriter, r *http.Request) {
	var req ChangeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	terminalID, keyType, ok := h.validateSlot(w, req.TerminalID, req.KeyType)
	if !ok {
		return
	}

	record, err := h.rotator.Rotate(r.Context(), terminalID, h.bankContext, keyType)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrNotFound):
			writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "no active key for this terminal and key type")
		case errors.Is(err, keystore.ErrRotationConflict), errors.Is(err, rotation.ErrNotificationInFlight):
			writeError(w, http.StatusConflict, "ROTATION_IN_PROGRESS", "a rotation is already in progress for this key slot")
		case errors.Is(err, rotation.ErrChecksumMismatch):
			writeError(w, http.StatusBadGateway, "CHECKSUM_MISMATCH", "key delivery failed integrity verification")
		default:
			h.log.Error().Err(err).Str("terminal_id", terminalID).Msg("key change failed")
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(record))
}

// NotifyRotation pushes a rotation-due notice to the terminal.
func (h *Handler) NotifyRotation(w http.ResponseWriter, r *http.Request) {
	var req ChangeKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	terminalID, keyType, ok := h.validateSlot(w, req.TerminalID, req.KeyType)
	if !ok {
		return
	}

	if err := h.rotator.NotifyRotationDue(r.Context(), h.notifier, terminalID, keyType); err != nil {
		switch {
		case errors.Is(err, rotation.ErrNotificationInFlight):
			writeError(w, http.StatusConflict, "ROTATION_IN_PROGRESS", "a rotation is already in progress for this key slot")
		default:
			h.log.Error().Err(err).Str("terminal_id", terminalID).Msg("rotation notice failed")
			writeError(w, http.StatusBadGateway, "NOTICE_FAILED", "could not deliver rotation notice to terminal")
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ListKeyRecords lists the valid records for a key slot. Only metadata is
// returned, never key material.
func (h *Handler) ListKeyRecords(w http.ResponseWriter, r *http.Request) {
	terminalID, keyType, ok := h.validateSlot(w,
		chi.URLParam(r, "terminalId"), chi.URLParam(r, "keyType"))
	if !ok {
		return
	}

	records, err := h.store.GetValidKeys(r.Context(), terminalID, keyType)
	if err != nil {
		h.log.Error().Err(err).Str("terminal_id", terminalID).Msg("key record listing failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := KeyRecordListResponse{Records: make([]KeyRecordResponse, len(records))}
	for i, record := range records {
		resp.Records[i] = toResponse(record)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) validateSlot(w http.ResponseWriter, rawTerminal, rawKeyType string) (string, keystore.KeyType, bool) {
	if !terminalIDRegex.MatchString(rawTerminal) {
		writeError(w, http.StatusBadRequest, "INVALID_TERMINAL_ID", "invalid terminal ID format")
		return "", "", false
	}

	keyType, err := keystore.ParseKeyType(rawKeyType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_KEY_TYPE", "key type must be TPK, TSK or TMK")
		return "", "", false
	}

	return rawTerminal, keyType, true
}

func toResponse(record *keystore.KeyRecord) KeyRecordResponse {
	resp := KeyRecordResponse{
		TerminalID: record.TerminalID,
		KeyType:    string(record.KeyType),
		Status:     string(record.Status),
		Version:    record.Version,
		CheckValue: record.CheckValue,
		RotationID: record.RotationID,
		CreatedAt:  record.CreatedAt.Format(time.RFC3339),
	}
	if record.EffectiveFrom != nil {
		resp.EffectiveFrom = record.EffectiveFrom.Format(time.RFC3339)
	}
	if record.EffectiveUntil != nil {
		resp.EffectiveUntil = record.EffectiveUntil.Format(time.RFC3339)
	}

	return resp
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
