package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghettovoice/sipua/internal/syncutil"
	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

// regCompat lists the states reachable from each registration state.
// Failed and None are always accepted as safety valves and are not listed.
var regCompat = map[RegState][]RegState{
	RegStateNone:       {RegStateInProgress, RegStateOk, RegStateCleared},
	RegStateInProgress: {RegStateOk, RegStateCleared},
	// Ok must not regress directly to InProgress without an intervening
	// Failed or None. Ok to Ok is a renewal refresh.
	RegStateOk:      {RegStateOk, RegStateCleared},
	RegStateFailed:  {RegStateInProgress, RegStateOk, RegStateCleared},
	RegStateCleared: {RegStateInProgress, RegStateOk},
}

// RegistrationSnapshot is an immutable view of an account's registration.
type RegistrationSnapshot struct {
	Key              AccountKey
	State            RegState
	PrevState        RegState
	LastError        string
	Failures         int
	Retries          int
	LastSuccess      time.Time
	Expiry           time.Time
	NetworkConnected bool
	UpdatedAt        time.Time
}

// Expired reports whether an Ok registration is past its expiry.
func (s RegistrationSnapshot) Expired() bool {
	return s.State == RegStateOk && !s.Expiry.IsZero() && time.Now().After(s.Expiry)
}

// IsHealthy reports whether the registration is fully usable: state Ok,
// not expired, network connected and no failure streak.
func (s RegistrationSnapshot) IsHealthy() bool {
	return s.State == RegStateOk && !s.Expired() && s.NetworkConnected && s.Failures == 0
}

// LogValue implements [slog.LogValuer].
func (s RegistrationSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("account", s.Key),
		slog.Any("state", s.State),
		slog.Int("failures", s.Failures),
		slog.Bool("network", s.NetworkConnected),
	)
}

type regRecord struct {
	key              AccountKey
	state            RegState
	prevState        RegState
	lastError        string
	failures         int
	retries          int
	lastSuccess      time.Time
	expiry           time.Time
	networkConnected bool
	updatedAt        time.Time
}

func (r *regRecord) expired(now time.Time) bool {
	return r.state == RegStateOk && !r.expiry.IsZero() && now.After(r.expiry)
}

func (r *regRecord) snapshot() RegistrationSnapshot {
	return RegistrationSnapshot{
		Key:              r.key,
		State:            r.state,
		PrevState:        r.prevState,
		LastError:        r.lastError,
		Failures:         r.failures,
		Retries:          r.retries,
		LastSuccess:      r.lastSuccess,
		Expiry:           r.expiry,
		NetworkConnected: r.networkConnected,
		UpdatedAt:        r.updatedAt,
	}
}

// RenewalHandler is notified when a registration is due for renewal.
type RenewalHandler = func(ctx context.Context, key AccountKey)

// ReconnectRequiredHandler is notified when an account needs reconnection.
type ReconnectRequiredHandler = func(ctx context.Context, key AccountKey, reason ReconnectReason)

// RegistrationHandler is notified after an accepted registration update.
type RegistrationHandler = func(ctx context.Context, snap RegistrationSnapshot)

// RegistrationManagerOptions contains options for a [RegistrationManager].
type RegistrationManagerOptions struct {
	// Config is the registration config. Zero value uses defaults.
	Config RegistrationConfig
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *RegistrationManagerOptions) config() RegistrationConfig {
	if o == nil {
		return RegistrationConfig{}
	}
	return o.Config
}

func (o *RegistrationManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// RegistrationManager tracks the registration lifecycle of every account,
// aggregates a global status, schedules renewals before expiry and triggers
// bounded reconnection on failure.
type RegistrationManager struct {
	cfg RegistrationConfig
	log *slog.Logger

	locks        syncutil.KeyMutex[AccountKey]
	records      syncutil.RWMap[AccountKey, *regRecord]
	renewals     *timeutil.TaskScheduler[AccountKey]
	retries      *timeutil.TaskScheduler[AccountKey]
	netConnected atomic.Bool

	onRenewalDue types.CallbackManager[RenewalHandler]
	onReconnect  types.CallbackManager[ReconnectRequiredHandler]
	onUpdate     types.CallbackManager[RegistrationHandler]

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRegistrationManager creates a new [RegistrationManager].
// Options are optional, if nil, default values are used.
func NewRegistrationManager(opts *RegistrationManagerOptions) *RegistrationManager {
	m := &RegistrationManager{
		cfg: opts.config(),
		log: opts.log(),
	}
	m.netConnected.Store(true)
	onPanic := func(key AccountKey, recovered any) {
		m.log.LogAttrs(context.Background(), slog.LevelError, "scheduled registration task panicked",
			slog.Any("account", key),
			slog.Any("recovered", recovered),
		)
		m.setLastError(key, "internal fault in scheduled task")
	}
	m.renewals = timeutil.NewTaskScheduler[AccountKey](onPanic)
	m.retries = timeutil.NewTaskScheduler[AccountKey](onPanic)
	return m
}

func (m *RegistrationManager) setLastError(key AccountKey, msg string) {
	unlock := m.locks.Lock(key)
	defer unlock()
	if rec, ok := m.records.Get(key); ok {
		rec.lastError = msg
	}
}

// Update records a registration attempt outcome. Invalid transitions are
// rejected unless the target is Failed or None, which are always accepted
// as safety valves. Identical consecutive updates are deduplicated unless
// the network flag changed, the record just expired, or a failure streak
// of at least ForceRefreshFailures makes a late Ok overwrite a stale
// failed status. Returns whether the update was applied.
func (m *RegistrationManager) Update(ctx context.Context, key AccountKey, newState RegState, regErr string, expiry time.Time) bool {
	if m.closed.Load() || !key.IsValid() {
		return false
	}

	now := time.Now()
	netConnected := m.netConnected.Load()

	unlock := m.locks.Lock(key)
	rec, _ := m.records.GetOrSet(key, &regRecord{
		key:              key,
		state:            RegStateNone,
		prevState:        RegStateNone,
		networkConnected: netConnected,
	})

	cur := rec.state
	netChanged := rec.networkConnected != netConnected
	justExpired := rec.expired(now)
	forceRefresh := newState == RegStateOk && rec.failures >= m.cfg.forceRefreshFailures()

	identical := cur == newState && rec.lastError == regErr && rec.expiry.Equal(expiry)
	if identical && !netChanged && !justExpired && !forceRefresh {
		unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "duplicate registration update ignored",
			slog.Any("account", key),
			slog.Any("state", newState),
		)
		return false
	}

	safetyValve := newState == RegStateFailed || newState == RegStateNone
	if !safetyValve && !forceRefresh && !slices.Contains(regCompat[cur], newState) {
		unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "registration transition rejected",
			slog.Any("account", key),
			slog.Any("from", cur),
			slog.Any("to", newState),
		)
		return false
	}

	rec.prevState = cur
	rec.state = newState
	rec.lastError = regErr
	rec.networkConnected = netConnected
	rec.updatedAt = now

	switch newState {
	case RegStateOk:
		rec.failures = 0
		rec.retries = 0
		rec.lastSuccess = now
		rec.expiry = expiry
	case RegStateFailed:
		rec.failures++
		rec.retries++
	case RegStateNone, RegStateCleared:
		rec.expiry = time.Time{}
	}

	snap := rec.snapshot()
	unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "registration updated",
		slog.Any("registration", snap),
		slog.Any("from", cur),
	)

	m.applySideEffects(ctx, snap)

	for fn := range m.onUpdate.All() {
		fn(ctx, snap)
	}
	return true
}

func (m *RegistrationManager) applySideEffects(ctx context.Context, snap RegistrationSnapshot) {
	key := snap.Key
	switch snap.State {
	case RegStateOk:
		if snap.Expiry.IsZero() {
			return
		}
		delay := time.Until(snap.Expiry) - m.cfg.renewalLead()
		if delay < 0 {
			delay = 0
		}
		m.renewals.Schedule(key, delay, func() {
			ctx := context.Background()
			m.log.LogAttrs(ctx, slog.LevelDebug, "registration renewal due", slog.Any("account", key))
			for fn := range m.onRenewalDue.All() {
				fn(ctx, key)
			}
		})

	case RegStateFailed:
		if !snap.NetworkConnected || snap.Failures >= m.cfg.maxFailureReconnects() {
			return
		}
		delay := m.cfg.RetryBackoff(snap.Failures)
		m.log.LogAttrs(ctx, slog.LevelDebug, "registration retry scheduled",
			slog.Any("account", key),
			slog.Duration("delay", delay),
			slog.Int("failures", snap.Failures),
		)
		m.retries.Schedule(key, delay, func() {
			ctx := context.Background()
			for fn := range m.onReconnect.All() {
				fn(ctx, key, ReconnectReasonRegistrationFailed)
			}
		})

	case RegStateCleared:
		m.renewals.Cancel(key)
		m.retries.Cancel(key)
	}
}

// UpdateNetworkState records a network connectivity change. It is
// idempotent on no-change. On transition to connected it resets every
// account's failure streak and immediately re-triggers reconnection for
// accounts that were unhealthy. On transition to disconnected it cancels
// all scheduled renewal and retry work and marks every account's network
// flag false.
func (m *RegistrationManager) UpdateNetworkState(ctx context.Context, connected bool) bool {
	if m.closed.Load() {
		return false
	}
	if m.netConnected.Swap(connected) == connected {
		return false
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "network state changed", slog.Bool("connected", connected))

	if !connected {
		m.renewals.CancelAll()
		m.retries.CancelAll()
	}

	var unhealthy []AccountKey
	for key := range m.records.All() {
		unlock := m.locks.Lock(key)
		rec, ok := m.records.Get(key)
		if !ok {
			unlock()
			continue
		}
		if connected && !rec.snapshot().IsHealthy() {
			unhealthy = append(unhealthy, key)
		}
		rec.networkConnected = connected
		if connected {
			rec.failures = 0
		}
		unlock()
	}

	for _, key := range unhealthy {
		for fn := range m.onReconnect.All() {
			fn(ctx, key, ReconnectReasonNetworkRecovered)
		}
	}
	return true
}

// NetworkConnected returns the last recorded network connectivity flag.
func (m *RegistrationManager) NetworkConnected() bool { return m.netConnected.Load() }

// GlobalState derives the overall registration state with priority
// Ok > InProgress > Failed > None.
func (m *RegistrationManager) GlobalState() RegState {
	global := RegStateNone
	for key := range m.records.All() {
		snap, ok := m.Snapshot(key)
		if ok && regStatePriority(snap.State) > regStatePriority(global) {
			global = snap.State
		}
	}
	return global
}

// Snapshot returns the registration snapshot for the account.
func (m *RegistrationManager) Snapshot(key AccountKey) (RegistrationSnapshot, bool) {
	unlock := m.locks.Lock(key)
	defer unlock()
	rec, ok := m.records.Get(key)
	if !ok {
		return RegistrationSnapshot{}, false
	}
	return rec.snapshot(), true
}

// Snapshots returns the registration snapshots of all tracked accounts.
func (m *RegistrationManager) Snapshots() []RegistrationSnapshot {
	out := make([]RegistrationSnapshot, 0, m.records.Len())
	for key := range m.records.All() {
		if snap, ok := m.Snapshot(key); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Keys returns the keys of all tracked accounts.
func (m *RegistrationManager) Keys() []AccountKey {
	out := make([]AccountKey, 0, m.records.Len())
	for key := range m.records.All() {
		out = append(out, key)
	}
	return out
}

// Remove drops the account's record, cancelling any scheduled renewal and
// retry work first.
func (m *RegistrationManager) Remove(ctx context.Context, key AccountKey) {
	m.renewals.Cancel(key)
	m.retries.Cancel(key)
	m.records.Del(key)
	m.locks.Del(key)
	m.log.LogAttrs(ctx, slog.LevelDebug, "registration record removed", slog.Any("account", key))
}

// OnRenewalDue binds a callback invoked when a registration approaches its
// expiry. The callback can be unbound by calling the returned unbind function.
func (m *RegistrationManager) OnRenewalDue(fn RenewalHandler) (unbind func()) {
	return m.onRenewalDue.Add(fn)
}

// OnReconnectionRequired binds a callback invoked when an account needs
// reconnection. The callback can be unbound by calling the returned unbind
// function.
func (m *RegistrationManager) OnReconnectionRequired(fn ReconnectRequiredHandler) (unbind func()) {
	return m.onReconnect.Add(fn)
}

// OnUpdated binds a callback invoked after each accepted update.
// The callback can be unbound by calling the returned unbind function.
func (m *RegistrationManager) OnUpdated(fn RegistrationHandler) (unbind func()) {
	return m.onUpdate.Add(fn)
}

// Close cancels all scheduled work, clears callbacks and drops all records.
// Safe to call multiple times and with in-flight tasks.
func (m *RegistrationManager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.renewals.Close()
		m.retries.Close()
		m.onRenewalDue.Clear()
		m.onReconnect.Clear()
		m.onUpdate.Clear()
		m.records.Clear()
	})
}
