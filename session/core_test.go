package session_test

import (
	"testing"

	"github.com/ghettovoice/sipua/session"
)

func TestParseAccountKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want session.AccountKey
		ok   bool
	}{
		{"alice@example.com", session.NewAccountKey("alice", "example.com"), true},
		{"bob@sip.local", session.NewAccountKey("bob", "sip.local"), true},
		{"alice", session.AccountKey{}, false},
		{"@example.com", session.AccountKey{}, false},
		{"alice@", session.AccountKey{}, false},
		{"", session.AccountKey{}, false},
	}
	for _, tc := range tests {
		got, ok := session.ParseAccountKey(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("session.ParseAccountKey(%q) = %v, %v, want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAccountKeyString(t *testing.T) {
	t.Parallel()

	key := session.NewAccountKey("alice", "example.com")
	if got, want := key.String(), "alice@example.com"; got != want {
		t.Errorf("key.String() = %q, want %q", got, want)
	}
	if !key.IsValid() {
		t.Errorf("key.IsValid() = false, want true")
	}
	if (session.AccountKey{}).IsValid() {
		t.Errorf("zero key IsValid() = true, want false")
	}
}

func TestCallStateClassification(t *testing.T) {
	t.Parallel()

	for _, s := range []session.CallState{session.CallStateEnded, session.CallStateError} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
		if s.IsActive() {
			t.Errorf("%s.IsActive() = true, want false", s)
		}
	}
	if session.CallStateIdle.IsActive() {
		t.Errorf("idle.IsActive() = true, want false")
	}
	for _, s := range []session.CallState{
		session.CallStateOutgoingInit,
		session.CallStateOutgoingRinging,
		session.CallStateIncomingReceived,
		session.CallStateConnected,
		session.CallStateStreamsRunning,
		session.CallStatePaused,
		session.CallStateEnding,
	} {
		if !s.IsActive() {
			t.Errorf("%s.IsActive() = false, want true", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestErrorReasonFromSIPCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want session.CallErrorReason
	}{
		{486, session.CallErrorBusy},
		{408, session.CallErrorNoAnswer},
		{603, session.CallErrorRejected},
		{480, session.CallErrorTemporarilyUnavailable},
		{404, session.CallErrorNotFound},
		{403, session.CallErrorForbidden},
		{401, session.CallErrorAuthenticationFailed},
		{407, session.CallErrorAuthenticationFailed},
		{500, session.CallErrorServerError},
		{503, session.CallErrorServerError},
		{599, session.CallErrorServerError},
		{400, session.CallErrorUnknown},
		{410, session.CallErrorUnknown},
	}
	for _, tc := range tests {
		if got := session.ErrorReasonFromSIPCode(tc.code); got != tc.want {
			t.Errorf("session.ErrorReasonFromSIPCode(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}
