package protocol

import (
	"errors"
	"fmt"
)

// Transport-level failures. These are recovered locally where possible and
// surfaced to the UI only as status changes; callers decide whether to retry.
var (
	// ErrNotConnected: a send was attempted with no usable channel.
	ErrNotConnected = errors.New("NOT_CONNECTED: No usable channel")

	// ErrRequestTimeout: a correlated request went unanswered within the window.
	ErrRequestTimeout = errors.New("REQUEST_TIMEOUT: Request timed out")

	// ErrConnectionLost: a pending request was invalidated by a disconnect.
	ErrConnectionLost = errors.New("CONNECTION_LOST: Connection lost before response")

	// ErrRecoveryExhausted: reconnection attempts exceeded the cap. Terminal
	// until a manual ForceReconnect.
	ErrRecoveryExhausted = errors.New("RECOVERY_EXHAUSTED: Reconnection attempts exhausted")
)

// ServerError is an application-level rejection. It is always surfaced to the
// caller verbatim; only the caller knows the remedial action.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UserMessage returns the friendly string shown to the player for this error.
func (e *ServerError) UserMessage() string {
	return UserMessage(e.Code)
}

const fallbackUserMessage = "An unexpected error occurred"

var userMessages = map[string]string{
	"ROOM_NOT_FOUND":     "That room doesn't exist",
	"ROOM_FULL":          "That room is full",
	"NAME_TAKEN":         "That name is already taken in this room",
	"NOT_IN_ROOM":        "You're not in a room",
	"ALREADY_SUBMITTED":  "You've already submitted for this round",
	"WRONG_PHASE":        "That action isn't available right now",
	"NOT_ENOUGH_PLAYERS": "At least 2 connected players are needed to start",
	"RESPONSE_TOO_LONG":  "Your response is too long",
	"INVALID_GUESS":      "That guess isn't one of the listed responses",
	"RATE_LIMITED":       "Slow down a little and try again",
}

// UserMessage maps a server error code to a user-facing string, with a fixed
// fallback for unknown codes.
func UserMessage(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return fallbackUserMessage
}
