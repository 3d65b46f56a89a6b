package client

import "errors"

var (
	ErrAlreadyInRoom        = errors.New("ALREADY_IN_ROOM: leave the current room before joining another")
	ErrNotInRoom            = errors.New("NOT_IN_ROOM: no active room membership")
	ErrCannotStartRound     = errors.New("CANNOT_START_ROUND: need the waiting phase and at least 2 connected players")
	ErrCannotSubmitResponse = errors.New("CANNOT_SUBMIT_RESPONSE: not in the responding phase or already submitted")
	ErrCannotSubmitGuess    = errors.New("CANNOT_SUBMIT_GUESS: not in the guessing phase or already submitted")
	ErrResponseTooLong      = errors.New("RESPONSE_TOO_LONG: response exceeds 1000 characters")
	ErrEmptyResponse        = errors.New("EMPTY_RESPONSE: response must not be empty")
	ErrInvalidGuessIndex    = errors.New("INVALID_GUESS_INDEX: index outside the displayed response list")
	ErrNoStoredSession      = errors.New("NO_STORED_SESSION: nothing to rejoin")
)
