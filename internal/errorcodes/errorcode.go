// Package errorcodes defines terminal protocol response codes using a
// structured type. ResponseCode holds the two-character code and
// human-readable description carried in the response code field.
package errorcodes

// Predefined response code instances.
var (
	Err00 = ResponseCode{"00", "Approved"}
	Err12 = ResponseCode{"12", "Invalid transaction"}
	Err13 = ResponseCode{"13", "Invalid amount"}
	Err14 = ResponseCode{"14", "Invalid account number"}
	Err15 = ResponseCode{"15", "Invalid input data (invalid format, invalid characters, or not enough data provided)"}
	Err22 = ResponseCode{"22", "Invalid account number"}
	Err23 = ResponseCode{"23", "Invalid PIN block format code"}
	Err24 = ResponseCode{"24", "PIN is fewer than 4 or more than 12 digits in length"}
	Err30 = ResponseCode{"30", "Format error"}
	Err40 = ResponseCode{"40", "Key checksum verification failed"}
	Err41 = ResponseCode{"41", "Key installation self test failed"}
	Err55 = ResponseCode{"55", "Incorrect PIN"}
	Err63 = ResponseCode{"63", "Message authentication failure"}
	Err76 = ResponseCode{"76", "Unknown terminal"}
	Err81 = ResponseCode{"81", "Cryptographic error"}
	Err89 = ResponseCode{"89", "Terminal key not provisioned"}
	Err91 = ResponseCode{"91", "Issuer or switch inoperative"}
	Err92 = ResponseCode{"92", "Key rotation already in progress"}
	Err94 = ResponseCode{"94", "Duplicate transmission"}
	Err96 = ResponseCode{"96", "System malfunction"}
)

// ResponseCode represents a protocol response with its code and description.
type ResponseCode struct {
	Code        string // two-character response code
	Description string // human-readable description
}

// Error implements the Go error interface: "<Code>: <Description>".
func (e ResponseCode) Error() string {
	return e.Code + ": " + e.Description
}

// CodeOnly returns only the response code (e.g., "96"), for embedding in
// terminal responses.
func (e ResponseCode) CodeOnly() string {
	return e.Code
}
