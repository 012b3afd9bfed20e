package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipua/session"
)

func newTestRegManager(t *testing.T, cfg session.RegistrationConfig) *session.RegistrationManager {
	t.Helper()

	m := session.NewRegistrationManager(&session.RegistrationManagerOptions{Config: cfg})
	t.Cleanup(m.Close)
	return m
}

func TestRegistrationLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")
	expiry := time.Now().Add(time.Hour)

	if !m.Update(t.Context(), key, session.RegStateInProgress, "", time.Time{}) {
		t.Fatalf("Update(InProgress) = false, want true")
	}
	if !m.Update(t.Context(), key, session.RegStateOk, "", expiry) {
		t.Fatalf("Update(Ok) = false, want true")
	}

	snap, ok := m.Snapshot(key)
	if !ok {
		t.Fatalf("m.Snapshot(key) = _, false, want true")
	}
	if snap.State != session.RegStateOk {
		t.Errorf("snap.State = %s, want %s", snap.State, session.RegStateOk)
	}
	if snap.PrevState != session.RegStateInProgress {
		t.Errorf("snap.PrevState = %s, want %s", snap.PrevState, session.RegStateInProgress)
	}
	if !snap.Expiry.Equal(expiry) {
		t.Errorf("snap.Expiry = %v, want %v", snap.Expiry, expiry)
	}
	if snap.Failures != 0 {
		t.Errorf("snap.Failures = %d, want 0", snap.Failures)
	}
}

func TestRegistrationRejectsRegression(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")

	m.Update(t.Context(), key, session.RegStateOk, "", time.Now().Add(time.Hour))

	// Ok never regresses to InProgress.
	if m.Update(t.Context(), key, session.RegStateInProgress, "", time.Time{}) {
		t.Fatalf("Update(Ok -> InProgress) = true, want false")
	}
	if snap, _ := m.Snapshot(key); snap.State != session.RegStateOk {
		t.Errorf("snap.State = %s after rejected regression, want %s", snap.State, session.RegStateOk)
	}
}

func TestRegistrationSafetyValves(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")

	m.Update(t.Context(), key, session.RegStateOk, "", time.Now().Add(time.Hour))

	// Failed and None are accepted from any state.
	if !m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{}) {
		t.Fatalf("Update(Ok -> Failed) = false, want true")
	}
	if !m.Update(t.Context(), key, session.RegStateNone, "", time.Time{}) {
		t.Fatalf("Update(Failed -> None) = false, want true")
	}
}

func TestRegistrationDeduplication(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")
	expiry := time.Now().Add(time.Hour)

	if !m.Update(t.Context(), key, session.RegStateOk, "", expiry) {
		t.Fatalf("first Update(Ok) = false, want true")
	}
	if m.Update(t.Context(), key, session.RegStateOk, "", expiry) {
		t.Fatalf("identical Update(Ok) = true, want deduplicated")
	}
	// A renewal with a fresh expiry is a real change.
	if !m.Update(t.Context(), key, session.RegStateOk, "", expiry.Add(time.Hour)) {
		t.Fatalf("Update(Ok, new expiry) = false, want true")
	}
}

func TestRegistrationFailureCounting(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")

	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})
	m.Update(t.Context(), key, session.RegStateFailed, "dns failure", time.Time{})
	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})

	snap, _ := m.Snapshot(key)
	if snap.Failures != 3 {
		t.Errorf("snap.Failures = %d, want 3", snap.Failures)
	}

	m.Update(t.Context(), key, session.RegStateOk, "", time.Now().Add(time.Hour))
	snap, _ = m.Snapshot(key)
	if snap.Failures != 0 {
		t.Errorf("snap.Failures = %d after Ok, want 0", snap.Failures)
	}
}

func TestRegistrationForceRefresh(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{ForceRefreshFailures: 2})
	key := session.NewAccountKey("alice", "example.com")
	expiry := time.Now().Add(time.Hour)

	m.Update(t.Context(), key, session.RegStateOk, "", expiry)
	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})
	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})

	// With the failure streak at the threshold, a late Ok carrying the
	// same payload as before must not be dropped as a duplicate.
	if !m.Update(t.Context(), key, session.RegStateOk, "", expiry) {
		t.Fatalf("Update(Ok) with failure streak = false, want force refresh")
	}
	snap, _ := m.Snapshot(key)
	if snap.State != session.RegStateOk {
		t.Errorf("snap.State = %s, want %s", snap.State, session.RegStateOk)
	}
}

func TestRegistrationRenewalScheduling(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{RenewalLead: 10 * time.Millisecond})
	key := session.NewAccountKey("alice", "example.com")

	renewals := make(chan session.AccountKey, 1)
	unbind := m.OnRenewalDue(func(_ context.Context, key session.AccountKey) {
		select {
		case renewals <- key:
		default:
		}
	})
	defer unbind()

	m.Update(t.Context(), key, session.RegStateOk, "", time.Now().Add(30*time.Millisecond))

	select {
	case got := <-renewals:
		if got != key {
			t.Fatalf("renewal due for %v, want %v", got, key)
		}
	case <-time.After(time.Second):
		t.Fatalf("renewal not signalled within deadline")
	}
}

func TestRegistrationFailureRetry(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{
		RetryBackoffBase: 10 * time.Millisecond,
		RetryBackoffMax:  20 * time.Millisecond,
	})
	key := session.NewAccountKey("alice", "example.com")

	type reconnectEvent struct {
		key    session.AccountKey
		reason session.ReconnectReason
	}
	events := make(chan reconnectEvent, 1)
	unbind := m.OnReconnectionRequired(func(_ context.Context, key session.AccountKey, reason session.ReconnectReason) {
		select {
		case events <- reconnectEvent{key, reason}:
		default:
		}
	})
	defer unbind()

	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})

	select {
	case got := <-events:
		if got.key != key || got.reason != session.ReconnectReasonRegistrationFailed {
			t.Fatalf("reconnect event = %+v, want key %v reason %s", got, key, session.ReconnectReasonRegistrationFailed)
		}
	case <-time.After(time.Second):
		t.Fatalf("reconnect not signalled within deadline")
	}
}

func TestRegistrationFailureRetryStopsAtLimit(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{
		MaxFailureReconnects: 2,
		RetryBackoffBase:     5 * time.Millisecond,
		RetryBackoffMax:      5 * time.Millisecond,
	})
	key := session.NewAccountKey("alice", "example.com")

	var mu sync.Mutex
	var fired int
	unbind := m.OnReconnectionRequired(func(_ context.Context, _ session.AccountKey, _ session.ReconnectReason) {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	defer unbind()

	for range 4 {
		m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Only the failures below the limit scheduled a retry.
	if fired == 0 || fired > 2 {
		t.Errorf("reconnect fired %d times, want 1 or 2", fired)
	}
}

func TestRegistrationNetworkState(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")

	m.Update(t.Context(), key, session.RegStateFailed, "timeout", time.Time{})

	if !m.UpdateNetworkState(t.Context(), false) {
		t.Fatalf("UpdateNetworkState(false) = false, want true")
	}
	if m.UpdateNetworkState(t.Context(), false) {
		t.Fatalf("repeated UpdateNetworkState(false) = true, want idempotent false")
	}
	if m.NetworkConnected() {
		t.Fatalf("m.NetworkConnected() = true, want false")
	}

	snap, _ := m.Snapshot(key)
	if snap.NetworkConnected {
		t.Errorf("snap.NetworkConnected = true after disconnect, want false")
	}

	events := make(chan session.ReconnectReason, 1)
	unbind := m.OnReconnectionRequired(func(_ context.Context, _ session.AccountKey, reason session.ReconnectReason) {
		select {
		case events <- reason:
		default:
		}
	})
	defer unbind()

	if !m.UpdateNetworkState(t.Context(), true) {
		t.Fatalf("UpdateNetworkState(true) = false, want true")
	}

	select {
	case reason := <-events:
		if reason != session.ReconnectReasonNetworkRecovered {
			t.Fatalf("reconnect reason = %s, want %s", reason, session.ReconnectReasonNetworkRecovered)
		}
	case <-time.After(time.Second):
		t.Fatalf("reconnect not signalled on recovery")
	}

	// Failure streak resets on recovery.
	snap, _ = m.Snapshot(key)
	if snap.Failures != 0 {
		t.Errorf("snap.Failures = %d after recovery, want 0", snap.Failures)
	}
}

func TestRegistrationGlobalState(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	a := session.NewAccountKey("alice", "example.com")
	b := session.NewAccountKey("bob", "example.com")

	if got := m.GlobalState(); got != session.RegStateNone {
		t.Fatalf("m.GlobalState() = %s on empty manager, want %s", got, session.RegStateNone)
	}

	m.Update(t.Context(), a, session.RegStateFailed, "timeout", time.Time{})
	if got := m.GlobalState(); got != session.RegStateFailed {
		t.Fatalf("m.GlobalState() = %s, want %s", got, session.RegStateFailed)
	}

	m.Update(t.Context(), b, session.RegStateInProgress, "", time.Time{})
	if got := m.GlobalState(); got != session.RegStateInProgress {
		t.Fatalf("m.GlobalState() = %s, want %s", got, session.RegStateInProgress)
	}

	m.Update(t.Context(), b, session.RegStateOk, "", time.Now().Add(time.Hour))
	if got := m.GlobalState(); got != session.RegStateOk {
		t.Fatalf("m.GlobalState() = %s, want %s", got, session.RegStateOk)
	}
}

func TestRegistrationRemove(t *testing.T) {
	t.Parallel()

	m := newTestRegManager(t, session.RegistrationConfig{})
	key := session.NewAccountKey("alice", "example.com")

	m.Update(t.Context(), key, session.RegStateOk, "", time.Now().Add(time.Hour))
	m.Remove(t.Context(), key)

	if _, ok := m.Snapshot(key); ok {
		t.Fatalf("m.Snapshot(removed) = _, true, want false")
	}
	if len(m.Keys()) != 0 {
		t.Errorf("m.Keys() = %v after remove, want empty", m.Keys())
	}
}
