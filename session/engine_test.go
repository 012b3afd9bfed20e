package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipua/internal/testutil/sessionmock"
	"github.com/ghettovoice/sipua/session"
)

func newTestEngine(t *testing.T, cfg session.Config, checker session.ConnectivityChecker) *session.Engine {
	t.Helper()

	e := session.NewEngine(cfg, &session.EngineOptions{Checker: checker})
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func onlineChecker(t *testing.T) session.ConnectivityChecker {
	t.Helper()

	checker := sessionmock.NewMockConnectivityChecker(gomock.NewController(t))
	checker.EXPECT().HasRealInternet(gomock.Any()).Return(true).AnyTimes()
	return checker
}

// Happy path: register, place a call, watch it connect and end, and see
// the account bookkeeping follow along.
func TestEngineCallLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Call: session.CallConfig{GraceDelay: time.Hour},
	}, onlineChecker(t))

	acc, err := e.AddAccount(t.Context(), testAccount, session.Credentials{Username: "alice"})
	if err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}

	if !e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour)) {
		t.Fatalf("HandleRegistrationResult(Ok) = false, want true")
	}
	if !acc.Snapshot().Registered {
		t.Fatalf("acc.Snapshot().Registered = false after Ok, want true")
	}
	if got := e.Registrations().GlobalState(); got != session.RegStateOk {
		t.Fatalf("GlobalState() = %s, want %s", got, session.RegStateOk)
	}

	call, err := e.StartCall(t.Context(), testAccount, "call-1", "bob@example.com")
	if err != nil {
		t.Fatalf("e.StartCall() error = %+v, want nil", err)
	}
	if got := call.State(); got != session.CallStateOutgoingInit {
		t.Fatalf("call.State() = %s, want %s", got, session.CallStateOutgoingInit)
	}

	// One active call per account.
	if _, err := e.StartCall(t.Context(), testAccount, "call-2", "carol@example.com"); !errors.Is(err, session.ErrCallExists) {
		t.Fatalf("second StartCall() error = %v, want %v", err, session.ErrCallExists)
	}

	if !e.HandleCallResponse(t.Context(), "call-1", 180, "Ringing") {
		t.Fatalf("HandleCallResponse(180) = false, want true")
	}
	if got := call.State(); got != session.CallStateOutgoingRinging {
		t.Fatalf("call.State() = %s, want %s", got, session.CallStateOutgoingRinging)
	}

	if !e.HandleCallResponse(t.Context(), "call-1", 200, "OK") {
		t.Fatalf("HandleCallResponse(200) = false, want true")
	}
	if !acc.Snapshot().CallConnected {
		t.Fatalf("acc.Snapshot().CallConnected = false after 200, want true")
	}

	e.UpdateCall(t.Context(), "call-1", session.CallStateEnding, session.CallUpdate{})
	e.UpdateCall(t.Context(), "call-1", session.CallStateEnded, session.CallUpdate{})

	if _, ok := acc.ActiveCall(); ok {
		t.Errorf("acc.ActiveCall() = _, true after call ended, want false")
	}
	if acc.Snapshot().CallConnected {
		t.Errorf("acc.Snapshot().CallConnected = true after call ended, want false")
	}
	if got := len(e.Calls().ActiveCalls()); got != 0 {
		t.Errorf("len(ActiveCalls()) = %d, want 0", got)
	}
}

func TestEngineFailedCallClassified(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Call: session.CallConfig{GraceDelay: time.Hour},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	call, err := e.StartCall(t.Context(), testAccount, "call-1", "bob@example.com")
	if err != nil {
		t.Fatalf("e.StartCall() error = %+v, want nil", err)
	}

	if !e.HandleCallResponse(t.Context(), "call-1", 486, "Busy Here") {
		t.Fatalf("HandleCallResponse(486) = false, want true")
	}

	snap := call.Snapshot()
	if snap.State != session.CallStateError {
		t.Errorf("snap.State = %s, want %s", snap.State, session.CallStateError)
	}
	if snap.ErrorReason != session.CallErrorBusy {
		t.Errorf("snap.ErrorReason = %q, want %q", snap.ErrorReason, session.CallErrorBusy)
	}
}

// Network loss stops all connectivity work; a verified recovery restarts
// reconnection for the affected accounts.
func TestEngineNetworkLossAndRecovery(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Reconnect: session.ReconnectConfig{
			ImmediateDelay: time.Millisecond,
			SettleWait:     time.Hour,
		},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour))

	e.HandleNetworkLost(t.Context())
	if e.Registrations().NetworkConnected() {
		t.Fatalf("NetworkConnected() = true after loss, want false")
	}
	if st, ok := e.Reconnections().State(testAccount); ok && st.Reconnecting {
		t.Fatalf("reconnecting during network loss, want idle")
	}

	attempts := make(chan session.ReconnectReason, 2)
	unbind := e.Reconnections().OnAttempt(func(_ context.Context, _ session.AccountKey, reason session.ReconnectReason, _ string) {
		select {
		case attempts <- reason:
		default:
		}
	})
	defer unbind()

	e.HandleNetworkRecovered(t.Context())

	select {
	case reason := <-attempts:
		if reason != session.ReconnectReasonNetworkRecovered {
			t.Fatalf("attempt reason = %s, want %s", reason, session.ReconnectReasonNetworkRecovered)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reconnection attempt after recovery")
	}
}

// A failed registration schedules a retry which flows through the
// reconnection manager back to the SIP collaborator, whose successful
// re-registration settles the account.
func TestEngineRegistrationFailureRecovery(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Registration: session.RegistrationConfig{
			RetryBackoffBase: time.Millisecond,
			RetryBackoffMax:  time.Millisecond,
		},
		Reconnect: session.ReconnectConfig{
			ImmediateDelay: time.Millisecond,
			SettleWait:     10 * time.Millisecond,
		},
	}, onlineChecker(t))

	acc, err := e.AddAccount(t.Context(), testAccount, session.Credentials{})
	if err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}

	unbind := e.Reconnections().OnAttempt(func(ctx context.Context, key session.AccountKey, _ session.ReconnectReason, _ string) {
		e.HandleRegistrationResult(ctx, key, session.RegStateOk, "", time.Now().Add(time.Hour))
	})
	defer unbind()

	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateFailed, "timeout", time.Time{})

	deadline := time.Now().Add(time.Second)
	for {
		snap, ok := e.Registrations().Snapshot(testAccount)
		if ok && snap.State == session.RegStateOk && acc.Snapshot().Registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration not recovered within deadline, snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Push flow: backgrounding enters push mode, a push-delivered call forces
// foreground, and ending the call returns the client to push.
func TestEnginePushFlow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Call: session.CallConfig{GraceDelay: time.Hour},
		PushMode: session.PushModeConfig{
			ToPushDelay:       time.Millisecond,
			ReturnToPushDelay: time.Millisecond,
		},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour))

	e.HandleBackgrounded(t.Context())
	deadline := time.Now().Add(time.Second)
	for e.PushModes().Mode() != session.PushModePush {
		if time.Now().After(deadline) {
			t.Fatalf("mode = %s, want push within deadline", e.PushModes().Mode())
		}
		time.Sleep(2 * time.Millisecond)
	}

	call, err := e.HandleIncomingCall(t.Context(), testAccount, "call-1", "bob@example.com", true)
	if err != nil {
		t.Fatalf("e.HandleIncomingCall() error = %+v, want nil", err)
	}
	if got := e.PushModes().Mode(); got != session.PushModeForeground {
		t.Fatalf("mode = %s after push wake, want %s", got, session.PushModeForeground)
	}
	if got := call.State(); got != session.CallStateIncomingReceived {
		t.Fatalf("call.State() = %s, want %s", got, session.CallStateIncomingReceived)
	}

	e.UpdateCall(t.Context(), "call-1", session.CallStateConnected, session.CallUpdate{})
	e.UpdateCall(t.Context(), "call-1", session.CallStateEnding, session.CallUpdate{})
	e.UpdateCall(t.Context(), "call-1", session.CallStateEnded, session.CallUpdate{})

	deadline = time.Now().Add(time.Second)
	for e.PushModes().Mode() != session.PushModePush {
		if time.Now().After(deadline) {
			t.Fatalf("mode = %s after call end, want push within deadline", e.PushModes().Mode())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEngineRemoveAccountCleansUp(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Call: session.CallConfig{GraceDelay: time.Hour},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour))
	if _, err := e.StartCall(t.Context(), testAccount, "call-1", "bob@example.com"); err != nil {
		t.Fatalf("e.StartCall() error = %+v, want nil", err)
	}

	if err := e.RemoveAccount(t.Context(), testAccount); err != nil {
		t.Fatalf("e.RemoveAccount() error = %+v, want nil", err)
	}

	if _, err := e.Accounts().Get(testAccount); !errors.Is(err, session.ErrAccountNotFound) {
		t.Errorf("Accounts().Get(removed) error = %v, want %v", err, session.ErrAccountNotFound)
	}
	if _, ok := e.Registrations().Snapshot(testAccount); ok {
		t.Errorf("registration snapshot survives account removal, want gone")
	}
	if _, err := e.Calls().Get("call-1"); !errors.Is(err, session.ErrCallNotFound) {
		t.Errorf("Calls().Get(call-1) error = %v, want %v", err, session.ErrCallNotFound)
	}
}

func TestEngineClosed(t *testing.T) {
	t.Parallel()

	e := session.NewEngine(session.Config{}, &session.EngineOptions{Checker: onlineChecker(t)})
	e.Close(t.Context())

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); !errors.Is(err, session.ErrEngineClosed) {
		t.Fatalf("AddAccount() after close error = %v, want %v", err, session.ErrEngineClosed)
	}
	if e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Time{}) {
		t.Fatalf("HandleRegistrationResult() after close = true, want false")
	}
	// Close is idempotent.
	e.Close(t.Context())
}

func TestEngineBackgroundedDuringCall(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		Call:     session.CallConfig{GraceDelay: time.Hour},
		PushMode: session.PushModeConfig{ToPushDelay: time.Millisecond},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour))

	if _, err := e.StartCall(t.Context(), testAccount, "call-1", "bob@example.com"); err != nil {
		t.Fatalf("e.StartCall() error = %+v, want nil", err)
	}
	e.HandleCallResponse(t.Context(), "call-1", 200, "OK")

	// Backgrounding mid-call must not hand delivery over to push.
	e.HandleBackgrounded(t.Context())
	time.Sleep(50 * time.Millisecond)
	if got := e.PushModes().Mode(); got != session.PushModeForeground {
		t.Fatalf("mode = %s after backgrounding with an active call, want %s",
			got, session.PushModeForeground)
	}
}

func TestEnginePushReceivedWake(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, session.Config{
		PushMode: session.PushModeConfig{
			ToPushDelay:       time.Millisecond,
			ReturnToPushDelay: time.Hour,
		},
	}, onlineChecker(t))

	if _, err := e.AddAccount(t.Context(), testAccount, session.Credentials{}); err != nil {
		t.Fatalf("e.AddAccount() error = %+v, want nil", err)
	}
	e.HandleRegistrationResult(t.Context(), testAccount, session.RegStateOk, "", time.Now().Add(time.Hour))

	e.HandleBackgrounded(t.Context())
	deadline := time.Now().Add(time.Second)
	for e.PushModes().Mode() != session.PushModePush {
		if time.Now().After(deadline) {
			t.Fatalf("mode = %s, want push within deadline", e.PushModes().Mode())
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A non-call push wake with no key switches all accounts to foreground.
	e.HandlePushReceived(t.Context(), session.AccountKey{})
	if got := e.PushModes().Mode(); got != session.PushModeForeground {
		t.Fatalf("mode = %s after push received, want %s", got, session.PushModeForeground)
	}
}
