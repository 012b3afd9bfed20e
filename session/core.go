// Package session implements the session-and-connectivity engine of a SIP
// calling client. It tracks account registration lifecycles and call
// signaling state, and keeps both resilient across network loss, app
// background/foreground transitions and push-triggered wake-ups.
//
// The package has no wire format of its own. Collaborators (a SIP
// transport, a network-connectivity watcher, an app-lifecycle source and a
// push-delivery source) feed events into an [Engine]; the engine publishes
// state snapshots and "please (re)send this SIP request" intents back
// through registered callbacks. See [Engine] for the event intake surface.
package session

import (
	"log/slog"
	"strings"
)

//go:generate mockgen -destination ../internal/testutil/sessionmock/mocks.go -package sessionmock . ConnectivityChecker,Pinger

// AccountKey identifies a configured SIP account as username@domain.
type AccountKey struct {
	User   string
	Domain string
}

func NewAccountKey(user, domain string) AccountKey {
	return AccountKey{User: user, Domain: domain}
}

// ParseAccountKey parses a "user@domain" string.
func ParseAccountKey(s string) (AccountKey, bool) {
	user, domain, ok := strings.Cut(s, "@")
	if !ok || user == "" || domain == "" {
		return AccountKey{}, false
	}
	return AccountKey{User: user, Domain: domain}, true
}

func (k AccountKey) IsValid() bool { return k.User != "" && k.Domain != "" }

func (k AccountKey) String() string { return k.User + "@" + k.Domain }

// LogValue implements [slog.LogValuer].
func (k AccountKey) LogValue() slog.Value { return slog.StringValue(k.String()) }

// CallID is an opaque, externally supplied call identifier.
type CallID string

func (id CallID) String() string { return string(id) }

// CallDirection tells whether a call was placed or received locally.
type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

// CallState is a call's signaling lifecycle state.
type CallState string

const (
	CallStateIdle             CallState = "idle"
	CallStateOutgoingInit     CallState = "outgoing_init"
	CallStateOutgoingProgress CallState = "outgoing_progress"
	CallStateOutgoingRinging  CallState = "outgoing_ringing"
	CallStateIncomingReceived CallState = "incoming_received"
	CallStateConnected        CallState = "connected"
	CallStateStreamsRunning   CallState = "streams_running"
	CallStatePausing          CallState = "pausing"
	CallStatePaused           CallState = "paused"
	CallStateResuming         CallState = "resuming"
	CallStateEnding           CallState = "ending"
	CallStateEnded            CallState = "ended"
	CallStateError            CallState = "error"
)

// IsTerminal reports whether the state ends the call's lifecycle.
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded || s == CallStateError
}

// IsActive reports whether a call in this state counts as active.
func (s CallState) IsActive() bool {
	return s != CallStateIdle && !s.IsTerminal()
}

// LogValue implements [slog.LogValuer].
func (s CallState) LogValue() slog.Value { return slog.StringValue(string(s)) }

// CallErrorReason classifies why a call failed.
type CallErrorReason string

const (
	CallErrorNone                   CallErrorReason = ""
	CallErrorBusy                   CallErrorReason = "busy"
	CallErrorNoAnswer               CallErrorReason = "no_answer"
	CallErrorRejected               CallErrorReason = "rejected"
	CallErrorTemporarilyUnavailable CallErrorReason = "temporarily_unavailable"
	CallErrorNotFound               CallErrorReason = "not_found"
	CallErrorForbidden              CallErrorReason = "forbidden"
	CallErrorAuthenticationFailed   CallErrorReason = "authentication_failed"
	CallErrorServerError            CallErrorReason = "server_error"
	CallErrorUnknown                CallErrorReason = "unknown"
)

// ErrorReasonFromSIPCode maps a SIP response status code to an error reason.
func ErrorReasonFromSIPCode(code int) CallErrorReason {
	switch code {
	case 486:
		return CallErrorBusy
	case 408:
		return CallErrorNoAnswer
	case 603:
		return CallErrorRejected
	case 480:
		return CallErrorTemporarilyUnavailable
	case 404:
		return CallErrorNotFound
	case 403:
		return CallErrorForbidden
	case 401, 407:
		return CallErrorAuthenticationFailed
	}
	if code >= 500 && code < 600 {
		return CallErrorServerError
	}
	return CallErrorUnknown
}

// RegState is an account's registration lifecycle state.
type RegState string

const (
	RegStateNone       RegState = "none"
	RegStateInProgress RegState = "in_progress"
	RegStateOk         RegState = "ok"
	RegStateFailed     RegState = "failed"
	RegStateCleared    RegState = "cleared"
)

// LogValue implements [slog.LogValuer].
func (s RegState) LogValue() slog.Value { return slog.StringValue(string(s)) }

// regStatePriority orders states for global aggregation: Ok > InProgress > Failed > None.
func regStatePriority(s RegState) int {
	switch s {
	case RegStateOk:
		return 3
	case RegStateInProgress:
		return 2
	case RegStateFailed:
		return 1
	default:
		return 0
	}
}

// PushMode is the client's registration strategy.
type PushMode string

const (
	// PushModeForeground keeps a persistent registration.
	PushModeForeground PushMode = "foreground"
	// PushModePush relies on external push wake-ups instead of a
	// persistent registration.
	PushModePush PushMode = "push"
)

// LogValue implements [slog.LogValuer].
func (m PushMode) LogValue() slog.Value { return slog.StringValue(string(m)) }

// HealthLevel is the aggregated fitness of all account registrations.
type HealthLevel string

const (
	HealthUnknown   HealthLevel = "unknown"
	HealthCritical  HealthLevel = "critical"
	HealthPoor      HealthLevel = "poor"
	HealthFair      HealthLevel = "fair"
	HealthGood      HealthLevel = "good"
	HealthExcellent HealthLevel = "excellent"
)
