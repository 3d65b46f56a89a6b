package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmpostor-client/internal/bus"
	"llmpostor-client/internal/protocol"
)

// Bus events published by the reconciler.
const (
	EventStateRoom      = "state:room"
	EventStatePhase     = "state:phase"
	EventStatePlayers   = "state:players"
	EventStateResponses = "state:responses"
	EventStateCountdown = "state:countdown"
	EventStateResults   = "state:results"
	EventStateProgress  = "state:progress"
	EventStatePaused    = "state:paused"
	EventGuessRetry     = "state:guess_retry"
)

// DefaultGuessTimeout is how long an unacknowledged guess submission stays
// locked before the affordance is re-enabled.
const DefaultGuessTimeout = 10 * time.Second

// RoomInfo is the client's view of room membership.
type RoomInfo struct {
	RoomID         string
	PlayerID       string
	PlayerName     string
	ConnectedCount int
	TotalCount     int
}

// SubmissionState is client-local per-round bookkeeping. ResponseIndexMapping
// maps displayed (filtered) index to the server-assigned original index and
// is valid only while the phase is guessing.
type SubmissionState struct {
	HasSubmittedResponse  bool
	HasSubmittedGuess     bool
	SubmittedResponseText string
	ResponseIndexMapping  []int
}

// PhaseChange is the payload of state:phase publishes.
type PhaseChange struct {
	From protocol.Phase
	To   protocol.Phase
}

// Progress is the payload of state:progress publishes: per-phase submission
// counters from same-phase broadcasts.
type Progress struct {
	ResponseCount int
	GuessCount    int
	TotalPlayers  int
}

// Reconciler holds the authoritative local copy of server-derived game state
// and reconciles broadcasts into it. It is the single writer of GameState,
// RoomInfo, and SubmissionState; everything else reads snapshots or listens
// on the bus.
type Reconciler struct {
	bus *bus.Bus
	log zerolog.Logger

	guessTimeout time.Duration

	mu              sync.Mutex
	game            protocol.GameState
	room            RoomInfo
	sub             SubmissionState
	displayed       []protocol.Response
	progress        Progress
	roundsCompleted int
	guessTimer      *time.Timer
}

func NewReconciler(b *bus.Bus, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		bus:          b,
		log:          log.With().Str("component", "reconciler").Logger(),
		guessTimeout: DefaultGuessTimeout,
		game:         protocol.GameState{Phase: protocol.PhaseWaiting},
	}
}

// ============================================================================
// BROADCAST APPLICATION
// ============================================================================

// ApplyRoomJoined records membership after a join confirmation.
func (r *Reconciler) ApplyRoomJoined(p protocol.RoomJoined) {
	r.mu.Lock()
	r.room.RoomID = p.RoomID
	r.room.PlayerID = p.PlayerID
	if p.PlayerName != "" {
		r.room.PlayerName = p.PlayerName
	}
	if p.ConnectedCount > 0 || p.TotalCount > 0 {
		r.room.ConnectedCount = p.ConnectedCount
		r.room.TotalCount = p.TotalCount
	}
	room := r.room
	r.mu.Unlock()

	r.log.Info().Str("room", room.RoomID).Str("player", room.PlayerID).Msg("joined room")
	r.bus.PublishFrom(EventStateRoom, room, "session")
}

// ApplyRoomLeft resets all held state back to the zero session.
func (r *Reconciler) ApplyRoomLeft() {
	r.mu.Lock()
	r.cancelGuessTimerLocked()
	r.game = protocol.GameState{Phase: protocol.PhaseWaiting}
	r.room = RoomInfo{}
	r.sub = SubmissionState{}
	r.displayed = nil
	r.progress = Progress{}
	r.mu.Unlock()

	r.bus.PublishFrom(EventStateRoom, RoomInfo{}, "session")
}

// ApplyPlayerList updates membership counters from a player-list broadcast.
func (r *Reconciler) ApplyPlayerList(p protocol.PlayerListUpdated) {
	r.mu.Lock()
	r.room.ConnectedCount = p.ConnectedCount
	r.room.TotalCount = p.TotalCount
	room := r.room
	r.mu.Unlock()

	r.bus.PublishFrom(EventStatePlayers, p, "session")
	r.bus.PublishFrom(EventStateRoom, room, "session")
}

// ApplyRoomState replaces the held GameState wholesale. A broadcast counts as
// a phase transition only when the incoming phase differs from the one
// currently displayed; same-phase broadcasts update counters without touching
// submission state or filtering.
func (r *Reconciler) ApplyRoomState(p protocol.RoomStatePayload) {
	r.mu.Lock()
	from := r.game.Phase
	r.game = p.GameState
	r.room.ConnectedCount = p.ConnectedCount
	r.room.TotalCount = p.TotalCount
	transition := p.GameState.Phase != from
	if transition {
		r.enterPhaseLocked(p.GameState.Phase)
	}
	room := r.room
	r.mu.Unlock()

	if transition {
		r.publishPhase(from, p.GameState.Phase)
	}
	r.bus.PublishFrom(EventStateRoom, room, "session")
}

// ApplyRoundStarted moves the session into the responding phase.
func (r *Reconciler) ApplyRoundStarted(p protocol.RoundStarted) {
	r.mu.Lock()
	from := r.game.Phase
	r.game = protocol.GameState{
		Phase:         protocol.PhaseResponding,
		RoundNumber:   p.RoundNumber,
		PhaseDuration: p.PhaseDuration,
		Prompt:        p.Prompt,
		Model:         p.Model,
	}
	transition := from != protocol.PhaseResponding
	if transition {
		r.enterPhaseLocked(protocol.PhaseResponding)
	}
	r.mu.Unlock()

	if transition {
		r.publishPhase(from, protocol.PhaseResponding)
	}
}

// ApplyResponseSubmitted updates response counters. Never resets submission
// state: it is a same-phase broadcast by definition.
func (r *Reconciler) ApplyResponseSubmitted(p protocol.ResponseSubmitted) {
	r.mu.Lock()
	r.progress.ResponseCount = p.ResponseCount
	if p.TotalPlayers > 0 {
		r.progress.TotalPlayers = p.TotalPlayers
	}
	progress := r.progress
	r.mu.Unlock()

	r.bus.PublishFrom(EventStateProgress, progress, "session")
}

// ApplyGuessingPhase moves the session into the guessing phase and rebuilds
// the displayed-response filter. A repeated guessing broadcast leaves the
// existing filter and guess flag alone.
func (r *Reconciler) ApplyGuessingPhase(p protocol.GuessingPhaseStarted) {
	r.mu.Lock()
	from := r.game.Phase
	r.game.Phase = protocol.PhaseGuessing
	r.game.PhaseDuration = p.PhaseDuration
	r.game.Responses = p.Responses
	transition := from != protocol.PhaseGuessing
	if transition {
		r.enterPhaseLocked(protocol.PhaseGuessing)
	}
	displayed := r.displayedLocked()
	r.mu.Unlock()

	if transition {
		r.publishPhase(from, protocol.PhaseGuessing)
		r.bus.PublishFrom(EventStateResponses, displayed, "session")
	}
}

// ApplyGuessSubmitted updates guess counters from a same-phase broadcast.
func (r *Reconciler) ApplyGuessSubmitted(p protocol.GuessSubmitted) {
	r.mu.Lock()
	r.progress.GuessCount = p.GuessCount
	if p.TotalPlayers > 0 {
		r.progress.TotalPlayers = p.TotalPlayers
	}
	progress := r.progress
	r.mu.Unlock()

	r.bus.PublishFrom(EventStateProgress, progress, "session")
}

// ApplyResultsPhase moves the session into the results phase.
func (r *Reconciler) ApplyResultsPhase(p protocol.ResultsPhaseStarted) {
	r.mu.Lock()
	from := r.game.Phase
	r.game.Phase = protocol.PhaseResults
	transition := from != protocol.PhaseResults
	if transition {
		r.enterPhaseLocked(protocol.PhaseResults)
	}
	r.mu.Unlock()

	if transition {
		r.publishPhase(from, protocol.PhaseResults)
	}
	r.bus.PublishFrom(EventStateResults, p.RoundResults, "session")
}

// ApplyGamePaused updates membership counters and forwards the pause. The
// phase is untouched; the server follows up with an authoritative room_state
// when play resumes.
func (r *Reconciler) ApplyGamePaused(p protocol.GamePaused) {
	r.mu.Lock()
	if p.ConnectedCount > 0 || p.TotalCount > 0 {
		r.room.ConnectedCount = p.ConnectedCount
		r.room.TotalCount = p.TotalCount
	}
	r.mu.Unlock()

	r.log.Info().Str("reason", p.Reason).Msg("game paused")
	r.bus.PublishFrom(EventStatePaused, p, "session")
}

// ApplyRoundEnded closes the round out: the session returns to waiting as a
// normal phase boundary, whether or not a results phase ever ran.
func (r *Reconciler) ApplyRoundEnded(p protocol.RoundEnded) {
	r.mu.Lock()
	from := r.game.Phase
	r.game.Phase = protocol.PhaseWaiting
	r.game.Responses = nil
	r.game.Prompt = ""
	r.game.Model = ""
	transition := from != protocol.PhaseWaiting
	if transition {
		r.enterPhaseLocked(protocol.PhaseWaiting)
	}
	r.mu.Unlock()

	if transition {
		r.log.Info().Int("round", p.RoundNumber).Str("reason", p.Reason).Msg("round ended")
		r.publishPhase(from, protocol.PhaseWaiting)
	}
}

// ApplyCountdown forwards a countdown tick. Countdown broadcasts never touch
// game or submission state.
func (r *Reconciler) ApplyCountdown(p protocol.CountdownUpdate) {
	r.bus.PublishFrom(EventStateCountdown, p, "session")
}

// enterPhaseLocked runs the per-phase resets of a genuine phase transition.
func (r *Reconciler) enterPhaseLocked(phase protocol.Phase) {
	r.cancelGuessTimerLocked()
	// The index mapping is only valid during guessing; any transition
	// discards it until the next guessing entry rebuilds it.
	r.sub.ResponseIndexMapping = nil
	r.displayed = nil

	switch phase {
	case protocol.PhaseResponding:
		r.sub.HasSubmittedResponse = false
		r.sub.SubmittedResponseText = ""
		r.progress = Progress{}
	case protocol.PhaseGuessing:
		r.sub.HasSubmittedGuess = false
		r.rebuildFilterLocked()
	case protocol.PhaseResults:
		r.roundsCompleted++
	}
}

// rebuildFilterLocked excludes exactly the one response whose text equals the
// locally recorded submission, keeping everything else in original order. The
// match is by exact text since a submitting player cannot know their own
// index in the broadcast order. When two players submitted identical text
// only the first match is removed.
func (r *Reconciler) rebuildFilterLocked() {
	responses := r.game.Responses
	displayed := make([]protocol.Response, 0, len(responses))
	mapping := make([]int, 0, len(responses))
	removed := false
	for _, resp := range responses {
		if !removed && r.sub.HasSubmittedResponse && resp.Text == r.sub.SubmittedResponseText {
			removed = true
			continue
		}
		displayed = append(displayed, resp)
		mapping = append(mapping, resp.Index)
	}
	r.displayed = displayed
	r.sub.ResponseIndexMapping = mapping
}

func (r *Reconciler) publishPhase(from, to protocol.Phase) {
	r.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("phase transition")
	r.bus.PublishFrom(EventStatePhase, PhaseChange{From: from, To: to}, "session")
}

// ============================================================================
// SUBMISSION TRACKING
// ============================================================================

// MarkResponseSubmitted records an acknowledged response submission. The text
// is what the guessing-phase filter will match against.
func (r *Reconciler) MarkResponseSubmitted(text string) {
	r.mu.Lock()
	r.sub.HasSubmittedResponse = true
	r.sub.SubmittedResponseText = text
	r.mu.Unlock()
}

// MarkGuessSubmitted locks the guess affordance and arms the recovery
// timeout: if no acknowledgment arrives in time, the flag resets and
// state:guess_retry is published so the UI can offer a retry.
func (r *Reconciler) MarkGuessSubmitted() {
	r.mu.Lock()
	r.sub.HasSubmittedGuess = true
	r.cancelGuessTimerLocked()
	r.guessTimer = time.AfterFunc(r.guessTimeout, r.onGuessTimeout)
	r.mu.Unlock()
}

// GuessAcknowledged cancels the guess recovery timeout; the submission
// stands. An acknowledgment arriving after the timeout already re-enabled
// the affordance re-locks it, since the server has the guess on record and
// would reject a duplicate.
func (r *Reconciler) GuessAcknowledged() {
	r.mu.Lock()
	r.cancelGuessTimerLocked()
	if r.game.Phase == protocol.PhaseGuessing {
		r.sub.HasSubmittedGuess = true
	}
	r.mu.Unlock()
}

// GuessFailed re-enables the guess affordance immediately after a transport
// or server rejection.
func (r *Reconciler) GuessFailed() {
	r.mu.Lock()
	r.cancelGuessTimerLocked()
	r.sub.HasSubmittedGuess = false
	r.mu.Unlock()
}

func (r *Reconciler) onGuessTimeout() {
	r.mu.Lock()
	retry := r.game.Phase == protocol.PhaseGuessing && r.sub.HasSubmittedGuess
	if retry {
		r.sub.HasSubmittedGuess = false
	}
	r.guessTimer = nil
	r.mu.Unlock()

	if retry {
		r.log.Warn().Msg("guess unacknowledged, re-enabling retry")
		r.bus.PublishFrom(EventGuessRetry, nil, "session")
	}
}

func (r *Reconciler) cancelGuessTimerLocked() {
	if r.guessTimer != nil {
		r.guessTimer.Stop()
		r.guessTimer = nil
	}
}

// ============================================================================
// PREDICATES AND SNAPSHOTS
// ============================================================================

// CanStartRound: waiting phase with at least 2 connected players.
func (r *Reconciler) CanStartRound() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.game.Phase == protocol.PhaseWaiting && r.room.ConnectedCount >= 2
}

// CanSubmitResponse: responding phase, nothing submitted yet.
func (r *Reconciler) CanSubmitResponse() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.game.Phase == protocol.PhaseResponding && !r.sub.HasSubmittedResponse
}

// CanSubmitGuess: guessing phase, no guess submitted yet.
func (r *Reconciler) CanSubmitGuess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.game.Phase == protocol.PhaseGuessing && !r.sub.HasSubmittedGuess
}

// Game returns a snapshot of the current game state.
func (r *Reconciler) Game() protocol.GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.game
	g.Responses = append([]protocol.Response(nil), r.game.Responses...)
	return g
}

// Room returns a snapshot of room membership.
func (r *Reconciler) Room() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Submission returns a snapshot of client-local submission state.
func (r *Reconciler) Submission() SubmissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sub
	s.ResponseIndexMapping = append([]int(nil), r.sub.ResponseIndexMapping...)
	return s
}

// Displayed returns the filtered response list shown to this player during
// guessing. Index i corresponds to ResponseIndexMapping[i] in server space.
func (r *Reconciler) Displayed() []protocol.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displayedLocked()
}

func (r *Reconciler) displayedLocked() []protocol.Response {
	return append([]protocol.Response(nil), r.displayed...)
}

// RoundsCompleted reports how many results phases this session has seen.
func (r *Reconciler) RoundsCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roundsCompleted
}
