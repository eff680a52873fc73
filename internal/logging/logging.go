package logging

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogInbound logs a received terminal message with structured fields. Raw
// message bytes are logged hex-encoded; key material never reaches this path.
func LogInbound(
	terminalID string,
	opCode string,
	description string,
	messageData []byte,
	activeConns int,
) {
	hexMsg := hex.EncodeToString(messageData)
	log.Info().
		Str("event", "message_received").
		Str("terminal_id", terminalID).
		Str("op_code", opCode).
		Str("description", description).
		Str("message_hex", hexMsg).
		Int("active_connections", activeConns).
		Msg("received terminal message")
}

// LogOutbound logs a sent terminal response with structured fields.
func LogOutbound(
	terminalID string,
	opCode string,
	responseCode string,
	responseData []byte,
	activeConns int,
) {
	hexResp := hex.EncodeToString(responseData)
	log.Info().
		Str("event", "response_sent").
		Str("terminal_id", terminalID).
		Str("op_code", opCode).
		Str("response_code", responseCode).
		Str("response_hex", hexResp).
		Int("active_connections", activeConns).
		Msg("sent terminal response")
}
