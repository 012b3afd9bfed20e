package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

const (
	pushTriggerToPush       = "to_push"
	pushTriggerToForeground = "to_foreground"

	pushTimerToPush = "to_push"
)

func pushReturnTimer(key AccountKey) string { return "return:" + key.String() }

// PushModeChangedHandler is invoked when the transport mode flips.
type PushModeChangedHandler = func(ctx context.Context, mode PushMode)

// PushRegistrationHandler is invoked when a mode flip requires the listed
// accounts to re-register with contact details matching the new mode.
type PushRegistrationHandler = func(ctx context.Context, keys []AccountKey, mode PushMode)

// PushModeManagerOptions contains options for a [PushModeManager].
type PushModeManagerOptions struct {
	// Config is the push mode config. Zero value uses defaults.
	Config PushModeConfig
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *PushModeManagerOptions) config() PushModeConfig {
	if o == nil {
		return PushModeConfig{}
	}
	return o.Config
}

func (o *PushModeManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// PushModeManager flips the client between direct foreground transport
// and push-notification delivery. Backgrounding enters push mode after a
// cancellable delay; a push-delivered incoming call temporarily forces
// foreground and returns to push once the call ends, unless configured
// otherwise.
type PushModeManager struct {
	cfg      PushModeConfig
	accounts *AccountStore
	log      *slog.Logger

	mu            sync.Mutex
	fsm           *stateless.StateMachine
	backgrounded  bool
	forced        AccountKey
	wasInPush     map[AccountKey]bool
	pendingReturn map[AccountKey]bool
	closed        bool

	timers *timeutil.TaskScheduler[string]

	onMode types.CallbackManager[PushModeChangedHandler]
	onReg  types.CallbackManager[PushRegistrationHandler]

	closeOnce sync.Once
}

// NewPushModeManager creates a new [PushModeManager] in foreground mode.
// Mode flips request re-registration for every account in accounts.
// Options are optional, if nil, default values are used.
func NewPushModeManager(accounts *AccountStore, opts *PushModeManagerOptions) *PushModeManager {
	fsm := stateless.NewStateMachine(PushModeForeground)
	fsm.Configure(PushModeForeground).
		Permit(pushTriggerToPush, PushModePush)
	fsm.Configure(PushModePush).
		Permit(pushTriggerToForeground, PushModeForeground)

	m := &PushModeManager{
		cfg:           opts.config(),
		accounts:      accounts,
		log:           opts.log(),
		fsm:           fsm,
		wasInPush:     make(map[AccountKey]bool),
		pendingReturn: make(map[AccountKey]bool),
	}
	m.timers = timeutil.NewTaskScheduler[string](func(name string, recovered any) {
		m.log.LogAttrs(context.Background(), slog.LevelError, "push mode timer panicked",
			slog.String("timer", name),
			slog.Any("recovered", recovered),
		)
	})
	return m
}

// Mode returns the current transport mode.
func (m *PushModeManager) Mode() PushMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode()
}

func (m *PushModeManager) mode() PushMode {
	return m.fsm.MustState().(PushMode) //nolint:forcetypeassert
}

// canEnterPush reports whether push delivery may take over: no account
// may be on a call and at least one account must be registered.
// Callers hold m.mu.
func (m *PushModeManager) canEnterPush() bool {
	registered := false
	for _, snap := range m.accounts.Snapshots() {
		if snap.ActiveCall != "" {
			return false
		}
		if snap.Registered {
			registered = true
		}
	}
	return registered
}

// scheduleToPush arms the delayed switch to push mode. The entry
// preconditions are re-checked when the timer fires, the world may have
// changed during the delay.
func (m *PushModeManager) scheduleToPush(delay time.Duration) {
	m.timers.Schedule(pushTimerToPush, delay, func() {
		m.mu.Lock()
		if m.closed || !m.backgrounded || m.forced.IsValid() ||
			m.mode() != PushModeForeground || !m.canEnterPush() {
			m.mu.Unlock()
			return
		}
		m.flip(pushTriggerToPush)
		m.mu.Unlock()
		m.notifyMode(context.Background(), PushModePush)
	})
}

// HandleBackgrounded schedules the switch to push mode after the
// configured delay. A foreground event before the delay elapses cancels
// the switch, as does a push-forced foreground call in progress. The
// switch is only scheduled with no call in progress and at least one
// registered account.
func (m *PushModeManager) HandleBackgrounded(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.backgrounded = true
	if m.mode() == PushModePush || m.forced.IsValid() {
		m.mu.Unlock()
		return
	}
	if !m.canEnterPush() {
		m.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "app backgrounded, push mode not available")
		return
	}
	delay := m.cfg.toPushDelay()
	m.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "app backgrounded, push mode scheduled",
		slog.Duration("delay", delay),
	)
	m.scheduleToPush(delay)
}

// HandleForegrounded cancels any pending switch to push mode and flips
// back to foreground immediately. Pending return-to-push bookkeeping is
// dropped, the user is actively using the client again.
func (m *PushModeManager) HandleForegrounded(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.backgrounded = false
	m.forced = AccountKey{}
	clear(m.wasInPush)
	clear(m.pendingReturn)
	wasPush := m.mode() == PushModePush
	if wasPush {
		m.flip(pushTriggerToForeground)
	}
	m.mu.Unlock()

	m.timers.CancelAll()
	if wasPush {
		m.notifyMode(ctx, PushModeForeground)
	}
}

// HandlePushWake handles a push-delivered incoming call for the account.
// Unless configured to keep push delivery during calls, it forces
// foreground mode for the duration of the call and remembers the prior
// mode so the call's end can restore it.
func (m *PushModeManager) HandlePushWake(ctx context.Context, key AccountKey) {
	m.mu.Lock()
	if m.closed || !key.IsValid() {
		m.mu.Unlock()
		return
	}
	inPush := m.mode() == PushModePush
	m.wasInPush[key] = inPush
	delete(m.pendingReturn, key)

	if m.cfg.KeepPushOnIncomingCall {
		m.mu.Unlock()
		m.log.LogAttrs(ctx, slog.LevelDebug, "push wake, staying in push mode", slog.Any("account", key))
		return
	}

	m.forced = key
	if inPush {
		m.flip(pushTriggerToForeground)
	}
	m.mu.Unlock()

	m.timers.Cancel(pushTimerToPush)
	m.timers.Cancel(pushReturnTimer(key))
	if inPush {
		m.log.LogAttrs(ctx, slog.LevelDebug, "push wake, forcing foreground", slog.Any("account", key))
		m.notifyMode(ctx, PushModeForeground)
	}
}

// HandleCallEnded releases a push-forced foreground when the account's
// call ends. If the app is still backgrounded and the call arrived in
// push mode, the switch back to push is scheduled after the configured
// delay. Repeated end events for the same call are ignored.
func (m *PushModeManager) HandleCallEnded(ctx context.Context, key AccountKey) {
	m.mu.Lock()
	if m.closed || m.pendingReturn[key] {
		m.mu.Unlock()
		return
	}
	if m.forced == key {
		m.forced = AccountKey{}
	}
	if !m.wasInPush[key] || m.cfg.StayForegroundAfterCall || !m.backgrounded {
		delete(m.wasInPush, key)
		m.mu.Unlock()
		return
	}
	m.pendingReturn[key] = true
	delay := m.cfg.returnToPushDelay()
	m.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "call ended, return to push scheduled",
		slog.Any("account", key),
		slog.Duration("delay", delay),
	)
	m.timers.Schedule(pushReturnTimer(key), delay, func() {
		m.mu.Lock()
		delete(m.pendingReturn, key)
		delete(m.wasInPush, key)
		if m.closed || !m.backgrounded || m.forced.IsValid() ||
			m.mode() != PushModeForeground || !m.canEnterPush() {
			m.mu.Unlock()
			return
		}
		m.flip(pushTriggerToPush)
		m.mu.Unlock()
		m.notifyMode(context.Background(), PushModePush)
	})
}

// HandlePushReceived handles a push delivery that is not an incoming
// call, e.g. a wake-up to fetch pending messages. In push mode the
// affected accounts need foreground transport to process it, so the mode
// flips to foreground; if the app is still backgrounded the switch back
// to push is rescheduled. A zero key wakes all accounts.
func (m *PushModeManager) HandlePushReceived(ctx context.Context, key AccountKey) {
	m.mu.Lock()
	if m.closed || m.mode() != PushModePush {
		m.mu.Unlock()
		return
	}
	m.flip(pushTriggerToForeground)
	backgrounded := m.backgrounded
	m.mu.Unlock()

	m.log.LogAttrs(ctx, slog.LevelDebug, "push received, forcing foreground",
		slog.Any("account", log.CalcValue(func() any {
			if key.IsValid() {
				return key.String()
			}
			return "all"
		})),
	)
	keys := []AccountKey{key}
	if !key.IsValid() {
		keys = m.accounts.Keys()
	}
	m.notifyModeKeys(ctx, PushModeForeground, keys)
	if backgrounded {
		m.scheduleToPush(m.cfg.returnToPushDelay())
	}
}

// flip fires the FSM trigger. Callers hold m.mu and have verified the
// transition is legal, an error here is a programming fault.
func (m *PushModeManager) flip(trigger string) {
	if err := m.fsm.Fire(trigger); err != nil {
		m.log.LogAttrs(context.Background(), slog.LevelError, "push mode transition failed",
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

func (m *PushModeManager) notifyMode(ctx context.Context, mode PushMode) {
	m.notifyModeKeys(ctx, mode, m.accounts.Keys())
}

func (m *PushModeManager) notifyModeKeys(ctx context.Context, mode PushMode, keys []AccountKey) {
	m.log.LogAttrs(ctx, slog.LevelInfo, "transport mode changed", slog.Any("mode", mode))
	for fn := range m.onMode.All() {
		fn(ctx, mode)
	}
	if len(keys) == 0 {
		return
	}
	for fn := range m.onReg.All() {
		fn(ctx, keys, mode)
	}
}

// OnModeChanged binds a callback invoked when the transport mode flips.
// The callback can be unbound by calling the returned unbind function.
func (m *PushModeManager) OnModeChanged(fn PushModeChangedHandler) (unbind func()) {
	return m.onMode.Add(fn)
}

// OnRegistrationRequired binds a callback invoked when a mode flip
// requires accounts to re-register. The callback can be unbound by
// calling the returned unbind function.
func (m *PushModeManager) OnRegistrationRequired(fn PushRegistrationHandler) (unbind func()) {
	return m.onReg.Add(fn)
}

// Close cancels all timers and clears callbacks. Safe to call multiple
// times.
func (m *PushModeManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		clear(m.wasInPush)
		clear(m.pendingReturn)
		m.mu.Unlock()

		m.timers.Close()
		m.onMode.Clear()
		m.onReg.Clear()
	})
}
