// Package client is the top-level facade: it wires the event bus, the
// connection supervisor, the session reconciler, and the session store into
// one object a UI drives.
package client

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"llmpostor-client/internal/bus"
	"llmpostor-client/internal/protocol"
	"llmpostor-client/internal/session"
	"llmpostor-client/internal/transport"
)

// Bus events published by the facade.
const (
	EventSessionRejoin = "session:rejoin"
)

// RejoinResult is the payload of session:rejoin publishes.
type RejoinResult struct {
	RoomID  string
	Success bool
	Err     error
}

const maxResponseLength = 1000

// Config tunes a Client. Transport.URL is overridden by ServerURL when set.
type Config struct {
	ServerURL   string
	SessionFile string
	Transport   transport.Config
	Logger      zerolog.Logger
}

// Client coordinates the transport and session layers. All methods are safe
// for concurrent use.
type Client struct {
	bus   *bus.Bus
	sup   *transport.Supervisor
	rec   *session.Reconciler
	store *session.Store
	log   zerolog.Logger

	unsubs []func()
}

func New(cfg Config) *Client {
	log := cfg.Logger.With().Str("component", "client").Logger()

	b := bus.New(cfg.Logger)
	tc := cfg.Transport
	if cfg.ServerURL != "" {
		tc.URL = cfg.ServerURL
	}
	tc.Logger = cfg.Logger

	c := &Client{
		bus:   b,
		sup:   transport.NewSupervisor(tc, b),
		rec:   session.NewReconciler(b, cfg.Logger),
		store: session.NewStore(cfg.SessionFile, cfg.Logger),
		log:   log,
	}
	c.registerHandlers()
	return c
}

// registerHandlers wires every inbound broadcast to its reconciler
// application. The registrations are durable: they survive reconnection.
func (c *Client) registerHandlers() {
	on := func(event string, h transport.Handler) {
		c.unsubs = append(c.unsubs, c.sup.On(event, h))
	}

	on(protocol.EventRoomJoined, func(data any) {
		if p, ok := data.(protocol.RoomJoined); ok {
			c.rec.ApplyRoomJoined(p)
		}
	})
	on(protocol.EventRoomLeft, func(any) {
		c.rec.ApplyRoomLeft()
	})
	on(protocol.EventPlayerListUpdated, func(data any) {
		if p, ok := data.(protocol.PlayerListUpdated); ok {
			c.rec.ApplyPlayerList(p)
		}
	})
	// room_state and room_state_updated carry the same payload; the server
	// uses the former for direct replies and the latter for broadcasts.
	for _, ev := range []string{protocol.EventRoomState, protocol.EventRoomStateUpdated} {
		on(ev, func(data any) {
			if p, ok := data.(protocol.RoomStatePayload); ok {
				c.rec.ApplyRoomState(p)
			}
		})
	}
	on(protocol.EventRoundStarted, func(data any) {
		if p, ok := data.(protocol.RoundStarted); ok {
			c.rec.ApplyRoundStarted(p)
		}
	})
	on(protocol.EventResponseSubmitted, func(data any) {
		if p, ok := data.(protocol.ResponseSubmitted); ok {
			c.rec.ApplyResponseSubmitted(p)
		}
	})
	on(protocol.EventGuessingPhaseStarted, func(data any) {
		if p, ok := data.(protocol.GuessingPhaseStarted); ok {
			c.rec.ApplyGuessingPhase(p)
		}
	})
	on(protocol.EventGuessSubmitted, func(data any) {
		if p, ok := data.(protocol.GuessSubmitted); ok {
			c.rec.ApplyGuessSubmitted(p)
		}
	})
	on(protocol.EventResultsPhaseStarted, func(data any) {
		if p, ok := data.(protocol.ResultsPhaseStarted); ok {
			c.rec.ApplyResultsPhase(p)
		}
	})
	on(protocol.EventCountdownUpdate, func(data any) {
		if p, ok := data.(protocol.CountdownUpdate); ok {
			c.rec.ApplyCountdown(p)
		}
	})
	on(protocol.EventGamePaused, func(data any) {
		if p, ok := data.(protocol.GamePaused); ok {
			c.rec.ApplyGamePaused(p)
		}
	})
	on(protocol.EventRoundEnded, func(data any) {
		if p, ok := data.(protocol.RoundEnded); ok {
			c.rec.ApplyRoundEnded(p)
		}
	})
	on(protocol.EventError, func(data any) {
		if p, ok := data.(protocol.ErrorPayload); ok {
			c.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server error broadcast")
		}
	})

	c.unsubs = append(c.unsubs, c.bus.Subscribe(transport.EventConnectionStatus, c.onConnectionStatus))
}

// onConnectionStatus resynchronizes after every successful (re)connect:
// refresh the room if still a member, otherwise try the stored session.
func (c *Client) onConnectionStatus(ev bus.Event) {
	status, ok := ev.Data.(transport.StatusEvent)
	if !ok || !status.Connected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultRequestTimeout)
		defer cancel()
		if c.rec.Room().RoomID != "" {
			if err := c.RefreshRoomState(ctx); err != nil {
				c.log.Warn().Err(err).Msg("room state refresh after reconnect failed")
			}
			return
		}
		if err := c.AttemptRejoin(ctx); err != nil && err != ErrNoStoredSession {
			c.log.Warn().Err(err).Msg("stored session rejoin failed")
		}
	}()
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (c *Client) Connect() { c.sup.Connect() }

func (c *Client) Disconnect() { c.sup.Disconnect() }

func (c *Client) ForceReconnect() { c.sup.ForceReconnect() }

// Close disconnects and releases every handler registration.
func (c *Client) Close() {
	c.sup.Disconnect()
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

// ============================================================================
// ROOM OPERATIONS
// ============================================================================

// JoinRoom validates inputs, issues the join request, applies the
// confirmation, and persists the session for later rejoin.
func (c *Client) JoinRoom(ctx context.Context, roomID, playerName string) error {
	if err := protocol.ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := protocol.ValidatePlayerName(playerName); err != nil {
		return err
	}
	if c.rec.Room().RoomID != "" {
		return ErrAlreadyInRoom
	}

	raw, err := c.sup.Request(ctx, protocol.EventJoinRoom, protocol.JoinRoomRequest{
		RoomID:     roomID,
		PlayerName: playerName,
	})
	if err != nil {
		return err
	}
	if err := c.ackErr(raw); err != nil {
		return err
	}

	var joined protocol.RoomJoined
	if err := json.Unmarshal(ackData(raw), &joined); err == nil && joined.RoomID != "" {
		joined.PlayerName = playerName
		c.rec.ApplyRoomJoined(joined)
	}

	if err := c.store.Save(session.StoredSession{RoomID: roomID, PlayerName: playerName}); err != nil {
		c.log.Warn().Err(err).Msg("session persist failed")
	}
	return nil
}

// LeaveRoom leaves the current room and clears local and stored state. The
// local reset happens even when the server request fails.
func (c *Client) LeaveRoom(ctx context.Context) error {
	if c.rec.Room().RoomID == "" {
		return ErrNotInRoom
	}
	_, err := c.sup.Request(ctx, protocol.EventLeaveRoom, nil)
	c.rec.ApplyRoomLeft()
	if cerr := c.store.Clear(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("stored session clear failed")
	}
	return err
}

// RefreshRoomState requests a full authoritative snapshot and applies it.
func (c *Client) RefreshRoomState(ctx context.Context) error {
	raw, err := c.sup.Request(ctx, protocol.EventGetRoomState, nil)
	if err != nil {
		return err
	}
	if err := c.ackErr(raw); err != nil {
		return err
	}
	var state protocol.RoomStatePayload
	if err := json.Unmarshal(ackData(raw), &state); err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return err
	}
	c.rec.ApplyRoomState(state)
	return nil
}

// AttemptRejoin rejoins the room recorded in the session store, if any.
func (c *Client) AttemptRejoin(ctx context.Context) error {
	sess, ok, err := c.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoStoredSession
	}
	c.log.Info().Str("room", sess.RoomID).Msg("rejoining stored session")
	err = c.JoinRoom(ctx, sess.RoomID, sess.PlayerName)
	c.bus.PublishFrom(EventSessionRejoin, RejoinResult{
		RoomID:  sess.RoomID,
		Success: err == nil,
		Err:     err,
	}, "client")
	return err
}

// ClearStoredSession drops the persisted session record.
func (c *Client) ClearStoredSession() error {
	return c.store.Clear()
}

// ============================================================================
// GAME OPERATIONS
// ============================================================================

// StartRound asks the server to begin a round. Only valid from the waiting
// phase with enough connected players.
func (c *Client) StartRound(ctx context.Context) error {
	if !c.rec.CanStartRound() {
		return ErrCannotStartRound
	}
	raw, err := c.sup.Request(ctx, protocol.EventStartRound, nil)
	if err != nil {
		return err
	}
	return c.ackErr(raw)
}

// SubmitResponse submits this player's response text for the current round.
// The text is recorded locally on acknowledgment so the guessing-phase list
// can exclude it.
func (c *Client) SubmitResponse(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptyResponse
	}
	if len(text) > maxResponseLength {
		return ErrResponseTooLong
	}
	if !c.rec.CanSubmitResponse() {
		return ErrCannotSubmitResponse
	}

	raw, err := c.sup.Request(ctx, protocol.EventSubmitResponse, protocol.SubmitResponseRequest{
		Response: text,
	})
	if err != nil {
		return err
	}
	if err := c.ackErr(raw); err != nil {
		return err
	}
	c.rec.MarkResponseSubmitted(text)
	return nil
}

// SubmitGuess submits a guess by displayed index. The index is sent as
// given: the server scores against the filtered list it knows this player
// sees, so no translation happens here. A failed request immediately
// re-enables the affordance; an unacknowledged one re-enables it after the
// recovery timeout.
func (c *Client) SubmitGuess(ctx context.Context, displayedIndex int) error {
	if !c.rec.CanSubmitGuess() {
		return ErrCannotSubmitGuess
	}
	if displayedIndex < 0 || displayedIndex >= len(c.rec.Displayed()) {
		return ErrInvalidGuessIndex
	}

	c.rec.MarkGuessSubmitted()
	raw, err := c.sup.Request(ctx, protocol.EventSubmitGuess, protocol.SubmitGuessRequest{
		GuessIndex: displayedIndex,
	})
	if err != nil {
		c.rec.GuessFailed()
		return err
	}
	if err := c.ackErr(raw); err != nil {
		c.rec.GuessFailed()
		return err
	}
	c.rec.GuessAcknowledged()
	return nil
}

// ============================================================================
// ACCESSORS
// ============================================================================

func (c *Client) Bus() *bus.Bus { return c.bus }

func (c *Client) Session() *session.Reconciler { return c.rec }

func (c *Client) Connected() bool { return c.sup.Connected() }

func (c *Client) ConnectionState() transport.State { return c.sup.State() }

func (c *Client) Channel() transport.ChannelState { return c.sup.Snapshot() }

// ackErr turns a rejecting correlated response into a *protocol.ServerError.
func (c *Client) ackErr(raw json.RawMessage) error {
	ack, err := protocol.ParseAck(raw)
	if err != nil {
		return err
	}
	return ack.Err()
}

// ackData returns the payload to decode domain data from: the ack's data
// blob when present, otherwise the whole payload.
func ackData(raw json.RawMessage) json.RawMessage {
	ack, err := protocol.ParseAck(raw)
	if err == nil && len(ack.Data) > 0 {
		return ack.Data
	}
	return raw
}
