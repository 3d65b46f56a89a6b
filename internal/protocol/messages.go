package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ClientMessage is the envelope for everything the client sends.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound event names.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventStartRound     = "start_round"
	EventSubmitResponse = "submit_response"
	EventSubmitGuess    = "submit_guess"
	EventGetRoomState   = "get_room_state"
	EventPing           = "ping"
)

// Inbound event names.
const (
	EventRoomJoined           = "room_joined"
	EventRoomLeft             = "room_left"
	EventPlayerListUpdated    = "player_list_updated"
	EventRoomStateUpdated     = "room_state_updated"
	EventRoomState            = "room_state"
	EventRoundStarted         = "round_started"
	EventResponseSubmitted    = "response_submitted"
	EventGuessingPhaseStarted = "guessing_phase_started"
	EventGuessSubmitted       = "guess_submitted"
	EventResultsPhaseStarted  = "results_phase_started"
	EventCountdownUpdate      = "countdown_update"
	EventGamePaused           = "game_paused"
	EventRoundEnded           = "round_ended"
	EventPong                 = "pong"
	EventError                = "error"
	EventRequestResponse      = "request_response"
)

// Phase is one of the mutually exclusive game states broadcast by the server.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseResponding Phase = "responding"
	PhaseGuessing   Phase = "guessing"
	PhaseResults    Phase = "results"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseResponding, PhaseGuessing, PhaseResults:
		return true
	}
	return false
}

// ============================================================================
// OUTBOUND PAYLOADS
// ============================================================================

type JoinRoomRequest struct {
	RoomID     string `json:"room_id"`
	PlayerName string `json:"player_name"`
}

type SubmitResponseRequest struct {
	Response string `json:"response"`
}

type SubmitGuessRequest struct {
	GuessIndex int `json:"guess_index"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ============================================================================
// INBOUND PAYLOADS
// ============================================================================

type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Score     int    `json:"score"`
}

// Response is one entry of the guessing-phase list. Index is the
// server-assigned original position in the broadcast order.
type Response struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// GameState is the authoritative server-derived round state. It is replaced
// wholesale on every broadcast, never patched field by field.
type GameState struct {
	Phase         Phase      `json:"phase"`
	RoundNumber   int        `json:"round_number"`
	PhaseDuration int        `json:"phase_duration"`
	Prompt        string     `json:"prompt,omitempty"`
	Model         string     `json:"model,omitempty"`
	Responses     []Response `json:"responses,omitempty"`
}

type RoomJoined struct {
	RoomID         string   `json:"room_id"`
	PlayerID       string   `json:"player_id"`
	PlayerName     string   `json:"player_name"`
	Players        []Player `json:"players,omitempty"`
	ConnectedCount int      `json:"connected_count"`
	TotalCount     int      `json:"total_count"`
}

func (p RoomJoined) Validate() error {
	if p.RoomID == "" {
		return errors.New("room_joined: missing room_id")
	}
	if p.PlayerID == "" {
		return errors.New("room_joined: missing player_id")
	}
	return nil
}

type RoomLeft struct {
	RoomID string `json:"room_id,omitempty"`
}

type PlayerListUpdated struct {
	Players        []Player `json:"players"`
	ConnectedCount int      `json:"connected_count"`
	TotalCount     int      `json:"total_count"`
}

func (p PlayerListUpdated) Validate() error {
	if p.ConnectedCount < 0 || p.TotalCount < 0 {
		return errors.New("player_list_updated: negative player count")
	}
	if p.ConnectedCount > p.TotalCount {
		return errors.New("player_list_updated: connected_count exceeds total_count")
	}
	return nil
}

type RoomStatePayload struct {
	GameState      GameState `json:"game_state"`
	Players        []Player  `json:"players,omitempty"`
	ConnectedCount int       `json:"connected_count"`
	TotalCount     int       `json:"total_count"`
}

func (p RoomStatePayload) Validate() error {
	if !p.GameState.Phase.Valid() {
		return fmt.Errorf("room_state: unknown phase %q", p.GameState.Phase)
	}
	return nil
}

type RoundStarted struct {
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	RoundNumber   int    `json:"round_number"`
	PhaseDuration int    `json:"phase_duration"`
}

func (p RoundStarted) Validate() error {
	if p.PhaseDuration < 0 {
		return errors.New("round_started: negative phase_duration")
	}
	return nil
}

type ResponseSubmitted struct {
	Success       *bool `json:"success,omitempty"`
	ResponseCount int   `json:"response_count"`
	TotalPlayers  int   `json:"total_players"`
}

type GuessingPhaseStarted struct {
	Responses     []Response `json:"responses"`
	PhaseDuration int        `json:"phase_duration"`
}

func (p GuessingPhaseStarted) Validate() error {
	if p.Responses == nil {
		return errors.New("guessing_phase_started: missing responses")
	}
	if p.PhaseDuration < 0 {
		return errors.New("guessing_phase_started: negative phase_duration")
	}
	return nil
}

type GuessSubmitted struct {
	Success      *bool           `json:"success,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	GuessCount   int             `json:"guess_count"`
	TotalPlayers int             `json:"total_players"`
}

type ResultsPhaseStarted struct {
	RoundResults json.RawMessage `json:"round_results"`
}

type CountdownUpdate struct {
	Phase         Phase `json:"phase"`
	TimeRemaining int   `json:"time_remaining"`
	PhaseDuration int   `json:"phase_duration"`
}

func (p CountdownUpdate) Validate() error {
	if !p.Phase.Valid() {
		return fmt.Errorf("countdown_update: unknown phase %q", p.Phase)
	}
	if p.TimeRemaining < 0 {
		return errors.New("countdown_update: negative time_remaining")
	}
	return nil
}

// GamePaused is broadcast when the server suspends the round, typically
// because connected players dropped below the minimum.
type GamePaused struct {
	Reason         string `json:"reason,omitempty"`
	ConnectedCount int    `json:"connected_count"`
	TotalCount     int    `json:"total_count"`
}

func (p GamePaused) Validate() error {
	if p.ConnectedCount < 0 || p.TotalCount < 0 {
		return errors.New("game_paused: negative player count")
	}
	return nil
}

// RoundEnded is broadcast when a round terminates early, before any results
// phase.
type RoundEnded struct {
	RoundNumber int    `json:"round_number"`
	Reason      string `json:"reason,omitempty"`
}

func (p RoundEnded) Validate() error {
	if p.RoundNumber < 0 {
		return errors.New("round_ended: negative round_number")
	}
	return nil
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (p PongPayload) Validate() error {
	if p.Timestamp <= 0 {
		return errors.New("pong: missing timestamp")
	}
	return nil
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// BOUNDARY VALIDATION
// ============================================================================

type validatable interface{ Validate() error }

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	if v, ok := any(p).(validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DecodePayload decodes and validates an inbound payload by event name. This
// is the single validation step at the channel boundary; a payload that fails
// here is dropped before any state is touched. Unknown event types pass
// through as raw JSON.
func DecodePayload(event string, raw json.RawMessage) (any, error) {
	switch event {
	case EventRoomJoined:
		return decodeAs[RoomJoined](raw)
	case EventRoomLeft:
		return decodeAs[RoomLeft](raw)
	case EventPlayerListUpdated:
		return decodeAs[PlayerListUpdated](raw)
	case EventRoomStateUpdated, EventRoomState:
		return decodeAs[RoomStatePayload](raw)
	case EventRoundStarted:
		return decodeAs[RoundStarted](raw)
	case EventResponseSubmitted:
		return decodeAs[ResponseSubmitted](raw)
	case EventGuessingPhaseStarted:
		return decodeAs[GuessingPhaseStarted](raw)
	case EventGuessSubmitted:
		return decodeAs[GuessSubmitted](raw)
	case EventResultsPhaseStarted:
		return decodeAs[ResultsPhaseStarted](raw)
	case EventCountdownUpdate:
		return decodeAs[CountdownUpdate](raw)
	case EventGamePaused:
		return decodeAs[GamePaused](raw)
	case EventRoundEnded:
		return decodeAs[RoundEnded](raw)
	case EventPong:
		return decodeAs[PongPayload](raw)
	case EventError:
		return decodeAs[ErrorPayload](raw)
	default:
		return raw, nil
	}
}

// ValidateRoomID checks a room id before it goes on the wire. LLMpostor room
// ids are free-form; the limits here only guard against empty and oversized
// identifiers.
func ValidateRoomID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("INVALID_ROOM: Room id must not be empty")
	}
	if len(id) > 64 {
		return errors.New("INVALID_ROOM: Room id must be at most 64 characters")
	}
	return nil
}

// ValidatePlayerName checks a player name before it goes on the wire.
func ValidatePlayerName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("INVALID_NAME: Player name must not be empty")
	}
	if len(name) > 32 {
		return errors.New("INVALID_NAME: Player name must be at most 32 characters")
	}
	return nil
}
