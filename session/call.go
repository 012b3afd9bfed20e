package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/types"
)

// allCallStates lists every call signaling state.
var allCallStates = []CallState{
	CallStateIdle,
	CallStateOutgoingInit,
	CallStateOutgoingProgress,
	CallStateOutgoingRinging,
	CallStateIncomingReceived,
	CallStateConnected,
	CallStateStreamsRunning,
	CallStatePausing,
	CallStatePaused,
	CallStateResuming,
	CallStateEnding,
	CallStateEnded,
	CallStateError,
}

// terminalMoves are always-legal targets from any state, regardless of the
// direction table. A failing or ending call must never be stuck.
var terminalMoves = []CallState{CallStateError, CallStateEnded, CallStateIdle}

// outgoingTransitions is the legal edge table for calls placed locally.
var outgoingTransitions = map[CallState][]CallState{
	CallStateIdle:             {CallStateOutgoingInit},
	CallStateOutgoingInit:     {CallStateOutgoingProgress, CallStateOutgoingRinging, CallStateConnected},
	CallStateOutgoingProgress: {CallStateOutgoingRinging, CallStateConnected},
	CallStateOutgoingRinging:  {CallStateConnected},
	CallStateConnected:        {CallStateStreamsRunning, CallStatePausing, CallStateEnding},
	CallStateStreamsRunning:   {CallStatePausing, CallStateEnding},
	CallStatePausing:          {CallStatePaused},
	CallStatePaused:           {CallStateResuming, CallStateEnding},
	CallStateResuming:         {CallStateStreamsRunning, CallStateConnected},
	CallStateEnding:           {CallStateEnded},
	CallStateEnded:            {CallStateIdle},
}

// incomingTransitions is the legal edge table for calls received locally.
var incomingTransitions = map[CallState][]CallState{
	CallStateIdle:             {CallStateIncomingReceived},
	CallStateIncomingReceived: {CallStateConnected, CallStateEnding},
	CallStateConnected:        {CallStateStreamsRunning, CallStatePausing, CallStateEnding},
	CallStateStreamsRunning:   {CallStatePausing, CallStateEnding},
	CallStatePausing:          {CallStatePaused},
	CallStatePaused:           {CallStateResuming, CallStateEnding},
	CallStateResuming:         {CallStateStreamsRunning, CallStateConnected},
	CallStateEnding:           {CallStateEnded},
	CallStateEnded:            {CallStateIdle},
}

func transitionTable(dir CallDirection) map[CallState][]CallState {
	if dir == CallDirectionIncoming {
		return incomingTransitions
	}
	return outgoingTransitions
}

// callTrigger names the FSM trigger that moves a call into the state.
func callTrigger(s CallState) string { return "to_" + string(s) }

// newCallFSM builds the per-call state machine from the direction's edge
// table plus the always-legal terminal moves.
func newCallFSM(dir CallDirection, initial CallState) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(initial)
	table := transitionTable(dir)

	for _, src := range allCallStates {
		cfg := fsm.Configure(src)

		seen := make(map[CallState]bool)
		for _, dst := range table[src] {
			seen[dst] = true
			cfg.Permit(callTrigger(dst), dst)
		}
		for _, dst := range terminalMoves {
			if seen[dst] {
				continue
			}
			seen[dst] = true
			if dst == src {
				cfg.PermitReentry(callTrigger(dst))
			} else {
				cfg.Permit(callTrigger(dst), dst)
			}
		}
	}
	return fsm
}

// CallTransition is one recorded state change of a call.
type CallTransition struct {
	From    CallState
	To      CallState
	Reason  CallErrorReason
	SIPCode int
	At      time.Time
}

// CallSnapshot is an immutable view of a call's current state.
type CallSnapshot struct {
	ID          CallID
	Direction   CallDirection
	Account     AccountKey
	Local       string
	Remote      string
	State       CallState
	PrevState   CallState
	ErrorReason CallErrorReason
	SIPCode     int
	SIPReason   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Call validates and records the signaling lifecycle of a single call.
// It is owned by exactly one account at a time.
type Call struct {
	id      CallID
	dir     CallDirection
	account AccountKey

	mu          sync.Mutex
	fsm         *stateless.StateMachine
	local       string
	remote      string
	prevState   CallState
	errorReason CallErrorReason
	sipCode     int
	sipReason   string
	createdAt   time.Time
	updatedAt   time.Time
	history     *types.Ring[CallTransition]
}

// NewCall creates a call record in the [CallStateIdle] state.
// HistoryCap bounds the transition history; zero uses [DefCallHistoryCap].
func NewCall(id CallID, dir CallDirection, account AccountKey, historyCap int) *Call {
	if historyCap <= 0 {
		historyCap = DefCallHistoryCap
	}
	now := time.Now()
	return &Call{
		id:        id,
		dir:       dir,
		account:   account,
		fsm:       newCallFSM(dir, CallStateIdle),
		prevState: CallStateIdle,
		createdAt: now,
		updatedAt: now,
		history:   types.NewRing[CallTransition](historyCap),
	}
}

func (c *Call) ID() CallID { return c.id }

func (c *Call) Direction() CallDirection { return c.dir }

func (c *Call) Account() AccountKey { return c.account }

// SetParties records the local and remote party identifiers.
func (c *Call) SetParties(local, remote string) {
	c.mu.Lock()
	c.local, c.remote = local, remote
	c.mu.Unlock()
}

// State returns the call's current signaling state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Call) stateLocked() CallState {
	return c.fsm.MustState().(CallState) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (c *Call) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", string(c.id)),
		slog.String("direction", string(c.dir)),
		slog.Any("account", c.account),
		slog.Any("state", c.State()),
	)
}

// CallUpdate carries the optional details of a state change.
type CallUpdate struct {
	// SIPCode is the SIP response status code that caused the change.
	SIPCode int
	// SIPReason is the SIP response reason phrase.
	SIPReason string
	// ErrorReason overrides the reason derived from SIPCode.
	ErrorReason CallErrorReason
}

func (u CallUpdate) reason() CallErrorReason {
	if u.ErrorReason != CallErrorNone {
		return u.ErrorReason
	}
	if u.SIPCode >= 400 {
		return ErrorReasonFromSIPCode(u.SIPCode)
	}
	return CallErrorNone
}

// Apply moves the call into newState. The transition must either satisfy
// the direction's edge table or target one of the always-legal terminal
// states. A repeat of the current (state, error reason) pair is suppressed
// silently. Returns whether the transition was applied; on rejection the
// call state is unchanged.
func (c *Call) Apply(ctx context.Context, newState CallState, upd CallUpdate) bool {
	reason := upd.reason()

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.stateLocked()
	if cur == newState && c.errorReason == reason {
		// Duplicate event, e.g. a retransmitted response.
		return false
	}

	if err := c.fsm.FireCtx(ctx, callTrigger(newState)); err != nil {
		return false
	}

	now := time.Now()
	c.prevState = cur
	c.errorReason = reason
	if upd.SIPCode != 0 {
		c.sipCode = upd.SIPCode
		c.sipReason = upd.SIPReason
	}
	c.updatedAt = now
	c.history.Append(CallTransition{
		From:    cur,
		To:      newState,
		Reason:  reason,
		SIPCode: upd.SIPCode,
		At:      now,
	})
	return true
}

// History returns a copy of the recorded transitions, oldest first.
func (c *Call) History() []CallTransition { return c.history.Items() }

// Snapshot returns an immutable view of the call.
func (c *Call) Snapshot() CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallSnapshot{
		ID:          c.id,
		Direction:   c.dir,
		Account:     c.account,
		Local:       c.local,
		Remote:      c.remote,
		State:       c.stateLocked(),
		PrevState:   c.prevState,
		ErrorReason: c.errorReason,
		SIPCode:     c.sipCode,
		SIPReason:   c.sipReason,
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
	}
}
