package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipua/internal/syncutil"
	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/netcheck"
)

// ReconnectReason tells what triggered a reconnection.
type ReconnectReason string

const (
	// ReconnectReasonManual is a user-triggered reconnection. It bypasses
	// the blocked flag, the attempt limit and the connectivity gate.
	ReconnectReasonManual             ReconnectReason = "manual"
	ReconnectReasonNetworkRecovered   ReconnectReason = "network_recovered"
	ReconnectReasonRegistrationFailed ReconnectReason = "registration_failed"
	ReconnectReasonHealthCheck        ReconnectReason = "health_check"
)

// ConnectivityChecker confirms real end-to-end connectivity, not merely a
// link-layer "connected" interface state.
type ConnectivityChecker interface {
	HasRealInternet(ctx context.Context) bool
}

// ReconnectionState is an immutable view of an account's reconnection
// progress.
type ReconnectionState struct {
	Key          AccountKey
	Reconnecting bool
	Attempts     int
	AttemptID    string
	Reason       ReconnectReason
	NextAttempt  time.Time
	LastAttempt  time.Time
	Blocked      bool
	LastError    string
}

// LogValue implements [slog.LogValuer].
func (s ReconnectionState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("account", s.Key),
		slog.Bool("reconnecting", s.Reconnecting),
		slog.Int("attempts", s.Attempts),
		slog.Bool("blocked", s.Blocked),
	)
}

type reconnState struct {
	mu sync.Mutex
	ReconnectionState
}

func (st *reconnState) view() ReconnectionState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ReconnectionState
}

// ReconnectAttemptHandler is invoked when a reconnection attempt fires.
// It is the "please re-register this account now" intent for the SIP
// transport collaborator.
type ReconnectAttemptHandler = func(ctx context.Context, key AccountKey, reason ReconnectReason, attemptID string)

// ReconnectionManagerOptions contains options for a [ReconnectionManager].
type ReconnectionManagerOptions struct {
	// Config is the reconnection config. Zero value uses defaults.
	Config ReconnectConfig
	// Checker confirms end-to-end connectivity before any non-manual
	// attempt. If nil, a zero [netcheck.Probe] is used.
	Checker ConnectivityChecker
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *ReconnectionManagerOptions) config() ReconnectConfig {
	if o == nil {
		return ReconnectConfig{}
	}
	return o.Config
}

func (o *ReconnectionManagerOptions) checker() ConnectivityChecker {
	if o == nil || o.Checker == nil {
		return &netcheck.Probe{}
	}
	return o.Checker
}

func (o *ReconnectionManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// ReconnectionManager drives network-gated, exponential-backoff
// reconnection. No automatic attempt proceeds without a freshly checked
// confirmation of real connectivity; only manual attempts bypass the gate.
type ReconnectionManager struct {
	cfg     ReconnectConfig
	checker ConnectivityChecker
	regs    *RegistrationManager
	log     *slog.Logger

	states syncutil.RWMap[AccountKey, *reconnState]
	jobs   *timeutil.TaskScheduler[AccountKey]

	onAttempt types.CallbackManager[ReconnectAttemptHandler]

	noNetMu         sync.Mutex
	falseRecoveries int
	autoSuppressed  bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewReconnectionManager creates a new [ReconnectionManager] reading
// registration outcomes from regs.
// Options are optional, if nil, default values are used.
func NewReconnectionManager(regs *RegistrationManager, opts *ReconnectionManagerOptions) *ReconnectionManager {
	m := &ReconnectionManager{
		cfg:     opts.config(),
		checker: opts.checker(),
		regs:    regs,
		log:     opts.log(),
	}
	m.jobs = timeutil.NewTaskScheduler[AccountKey](func(key AccountKey, recovered any) {
		m.log.LogAttrs(context.Background(), slog.LevelError, "reconnection job panicked",
			slog.Any("account", key),
			slog.Any("recovered", recovered),
		)
		st := m.state(key)
		st.mu.Lock()
		st.Reconnecting = false
		st.LastError = "internal fault in reconnection job"
		st.mu.Unlock()
	})
	return m
}

func (m *ReconnectionManager) state(key AccountKey) *reconnState {
	st, _ := m.states.GetOrSet(key, &reconnState{ReconnectionState: ReconnectionState{Key: key}})
	return st
}

// Start schedules one reconnection attempt for the account. Non-manual
// starts are refused when the account is already reconnecting or blocked,
// when automatic attempts are suppressed, when the attempt limit is
// reached (which blocks the account) or when no real connectivity is
// confirmed. Immediate requests use a small fixed delay, others the
// exponential backoff for the current attempt count.
func (m *ReconnectionManager) Start(ctx context.Context, key AccountKey, reason ReconnectReason, immediate bool) bool {
	if m.closed.Load() || !key.IsValid() {
		return false
	}

	manual := reason == ReconnectReasonManual
	st := m.state(key)

	st.mu.Lock()
	if st.Reconnecting {
		st.mu.Unlock()
		return false
	}
	if !manual {
		if st.Blocked || m.suppressed() {
			st.mu.Unlock()
			return false
		}
		if st.Attempts >= m.cfg.maxAttempts() {
			st.Blocked = true
			st.LastError = "max reconnection attempts reached"
			st.mu.Unlock()
			m.log.LogAttrs(ctx, slog.LevelWarn, "reconnection attempt limit reached, account blocked",
				slog.Any("account", key),
			)
			return false
		}
	}
	attempts := st.Attempts
	st.mu.Unlock()

	if !manual && !m.checker.HasRealInternet(ctx) {
		st.mu.Lock()
		st.Blocked = true
		st.LastError = "no internet connectivity"
		st.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection refused, no connectivity",
			slog.Any("account", key),
			slog.Any("reason", reason),
		)
		return false
	}

	delay := m.cfg.BackoffDelay(attempts)
	if immediate {
		delay = m.cfg.immediateDelay()
	}

	st.mu.Lock()
	if st.Reconnecting {
		st.mu.Unlock()
		return false
	}
	st.Reconnecting = true
	st.Reason = reason
	st.LastError = ""
	st.NextAttempt = time.Now().Add(delay)
	st.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection scheduled",
		slog.Any("account", key),
		slog.Any("reason", reason),
		slog.Duration("delay", delay),
	)
	m.jobs.Schedule(key, delay, func() {
		m.runAttempt(key, reason, manual)
	})
	return true
}

func (m *ReconnectionManager) runAttempt(key AccountKey, reason ReconnectReason, manual bool) {
	ctx := context.Background()
	st := m.state(key)

	// The network may have dropped during the backoff delay.
	if !manual && !m.checker.HasRealInternet(ctx) {
		st.mu.Lock()
		st.Reconnecting = false
		st.Blocked = true
		st.LastError = "connectivity lost before reconnection attempt"
		st.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection aborted, connectivity lost",
			slog.Any("account", key),
		)
		return
	}

	// A network drop invalidates the registrar's binding even when the
	// record still reads Ok, so recovery attempts never short-circuit.
	if reason != ReconnectReasonNetworkRecovered {
		if snap, ok := m.regs.Snapshot(key); ok && snap.State == RegStateOk && !snap.Expired() {
			st.mu.Lock()
			st.Reconnecting = false
			st.mu.Unlock()
			m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection skipped, registration ok",
				slog.Any("account", key),
			)
			return
		}
	}

	attemptID := uuid.NewString()
	st.mu.Lock()
	st.AttemptID = attemptID
	st.LastAttempt = time.Now()
	st.Attempts++
	st.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection attempt",
		slog.Any("state", st.view()),
		slog.String("attempt_id", attemptID),
	)
	for fn := range m.onAttempt.All() {
		fn(ctx, key, reason, attemptID)
	}

	m.jobs.Schedule(key, m.cfg.settleWait(), func() {
		m.classifyOutcome(key, reason, manual)
	})
}

func (m *ReconnectionManager) classifyOutcome(key AccountKey, reason ReconnectReason, manual bool) {
	ctx := context.Background()
	st := m.state(key)

	snap, ok := m.regs.Snapshot(key)
	if ok && snap.State == RegStateOk && !snap.Expired() {
		st.mu.Lock()
		st.Reconnecting = false
		st.Attempts = 0
		st.Blocked = false
		st.LastError = ""
		st.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection succeeded", slog.Any("account", key))
		return
	}

	lastErr := "reconnection attempt failed"
	if ok && snap.LastError != "" {
		lastErr = snap.LastError
	}

	st.mu.Lock()
	st.LastError = lastErr
	attempts := st.Attempts

	if manual {
		st.Reconnecting = false
		st.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "manual reconnection failed", slog.Any("account", key))
		return
	}

	if !m.checker.HasRealInternet(ctx) {
		st.Reconnecting = false
		st.Blocked = true
		st.LastError = "connectivity lost after reconnection attempt"
		st.mu.Unlock()
		return
	}

	if attempts >= m.cfg.maxAttempts() {
		st.Reconnecting = false
		st.Blocked = true
		st.LastError = "max reconnection attempts reached"
		st.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelWarn, "reconnection attempt limit reached, account blocked",
			slog.Any("account", key),
		)
		return
	}

	delay := m.cfg.BackoffDelay(attempts)
	st.NextAttempt = time.Now().Add(delay)
	st.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "reconnection attempt failed, next scheduled",
		slog.Any("account", key),
		slog.Duration("delay", delay),
	)
	m.jobs.Schedule(key, delay, func() {
		m.runAttempt(key, reason, manual)
	})
}

func (m *ReconnectionManager) suppressed() bool {
	m.noNetMu.Lock()
	defer m.noNetMu.Unlock()
	return m.autoSuppressed
}

// affectedKeys is the union of accounts known to the registration manager
// and accounts with reconnection state.
func (m *ReconnectionManager) affectedKeys() []AccountKey {
	seen := make(map[AccountKey]bool)
	var keys []AccountKey
	for _, key := range m.regs.Keys() {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range m.states.All() {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// HandleNetworkLost cancels every in-flight reconnection job immediately
// and marks every affected account blocked.
func (m *ReconnectionManager) HandleNetworkLost(ctx context.Context) {
	if m.closed.Load() {
		return
	}

	m.jobs.CancelAll()
	for _, key := range m.affectedKeys() {
		st := m.state(key)
		st.mu.Lock()
		st.Reconnecting = false
		st.Blocked = true
		st.mu.Unlock()
	}
	m.log.LogAttrs(ctx, slog.LevelDebug, "network lost, reconnection jobs cancelled")
}

// HandleNetworkRecovered re-checks real connectivity. On a verified
// recovery it resets the false-recovery counter, unblocks every affected
// account and starts an immediate reconnection for each. On a false
// recovery it counts the event and, past the configured bound, suppresses
// further automatic attempts until a manual unblock or a verified recovery.
func (m *ReconnectionManager) HandleNetworkRecovered(ctx context.Context) {
	if m.closed.Load() {
		return
	}

	if !m.checker.HasRealInternet(ctx) {
		m.noNetMu.Lock()
		m.falseRecoveries++
		if m.falseRecoveries >= m.cfg.maxFalseRecoveries() {
			m.autoSuppressed = true
		}
		suppressed := m.autoSuppressed
		count := m.falseRecoveries
		m.noNetMu.Unlock()

		for _, key := range m.affectedKeys() {
			st := m.state(key)
			st.mu.Lock()
			st.Blocked = true
			st.LastError = "network recovery without internet connectivity"
			st.mu.Unlock()
		}
		m.log.LogAttrs(ctx, slog.LevelWarn, "network recovery without connectivity",
			slog.Int("false_recoveries", count),
			slog.Bool("suppressed", suppressed),
		)
		return
	}

	m.noNetMu.Lock()
	m.falseRecoveries = 0
	m.autoSuppressed = false
	m.noNetMu.Unlock()

	for _, key := range m.affectedKeys() {
		st := m.state(key)
		st.mu.Lock()
		st.Blocked = false
		st.mu.Unlock()
		m.Start(ctx, key, ReconnectReasonNetworkRecovered, true)
	}
	m.log.LogAttrs(ctx, slog.LevelDebug, "network recovered, reconnections started")
}

// StopAll cancels every scheduled job and clears reconnecting flags.
// Attempt counts and blocked flags are preserved.
func (m *ReconnectionManager) StopAll() {
	m.jobs.CancelAll()
	for _, st := range m.states.All() {
		st.mu.Lock()
		st.Reconnecting = false
		st.mu.Unlock()
	}
}

// Unblock resets the account's blocked flag and attempt count and lifts
// the global suppression of automatic attempts.
func (m *ReconnectionManager) Unblock(key AccountKey) {
	m.noNetMu.Lock()
	m.falseRecoveries = 0
	m.autoSuppressed = false
	m.noNetMu.Unlock()

	st := m.state(key)
	st.mu.Lock()
	st.Blocked = false
	st.Attempts = 0
	st.LastError = ""
	st.mu.Unlock()
}

// UnblockAll resets every account's blocked flag and attempt count.
func (m *ReconnectionManager) UnblockAll() {
	for key := range m.states.All() {
		m.Unblock(key)
	}
}

// State returns the reconnection state for the account.
func (m *ReconnectionManager) State(key AccountKey) (ReconnectionState, bool) {
	st, ok := m.states.Get(key)
	if !ok {
		return ReconnectionState{}, false
	}
	return st.view(), true
}

// States returns the reconnection states of all tracked accounts.
func (m *ReconnectionManager) States() []ReconnectionState {
	out := make([]ReconnectionState, 0, m.states.Len())
	for _, st := range m.states.All() {
		out = append(out, st.view())
	}
	return out
}

// Remove drops the account's reconnection state, cancelling any scheduled
// job first.
func (m *ReconnectionManager) Remove(key AccountKey) {
	m.jobs.Cancel(key)
	m.states.Del(key)
}

// OnAttempt binds a callback invoked when a reconnection attempt fires.
// The callback can be unbound by calling the returned unbind function.
func (m *ReconnectionManager) OnAttempt(fn ReconnectAttemptHandler) (unbind func()) {
	return m.onAttempt.Add(fn)
}

// PendingJobs returns the number of scheduled reconnection jobs.
func (m *ReconnectionManager) PendingJobs() int { return m.jobs.Len() }

// Close cancels all scheduled work, clears callbacks and drops all state.
// Safe to call multiple times and with in-flight jobs.
func (m *ReconnectionManager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.jobs.Close()
		m.onAttempt.Clear()
		m.states.Clear()
	})
}
