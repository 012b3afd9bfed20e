package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/log"
)

// EngineOptions contains options for an [Engine].
type EngineOptions struct {
	// Checker confirms end-to-end connectivity for the reconnection
	// manager. If nil, a zero [netcheck.Probe] is used.
	Checker ConnectivityChecker
	// Pinger sends keepalive probes for the health monitor. If nil,
	// keepalive pinging is disabled.
	Pinger Pinger
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *EngineOptions) checker() ConnectivityChecker {
	if o == nil {
		return nil
	}
	return o.Checker
}

func (o *EngineOptions) pinger() Pinger {
	if o == nil {
		return nil
	}
	return o.Pinger
}

func (o *EngineOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Engine ties the session managers together: accounts, calls,
// registrations, health, reconnection and push mode. External SIP and
// platform events enter through the Handle methods; outgoing intents
// (re-register, reconnect attempt) leave through component callbacks.
type Engine struct {
	cfg Config
	log *slog.Logger

	accounts *AccountStore
	calls    *CallRegistry
	regs     *RegistrationManager
	recon    *ReconnectionManager
	health   *HealthMonitor
	push     *PushModeManager

	unbinds []func()

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewEngine creates a new [Engine] with the given config.
// Options are optional, if nil, default values are used.
func NewEngine(cfg Config, opts *EngineOptions) *Engine {
	logger := opts.log()

	e := &Engine{
		cfg: cfg,
		log: logger,
	}
	e.accounts = NewAccountStore(&AccountStoreOptions{Logger: logger})
	e.calls = NewCallRegistry(&CallRegistryOptions{Config: cfg.Call, Logger: logger})
	e.regs = NewRegistrationManager(&RegistrationManagerOptions{Config: cfg.Registration, Logger: logger})
	e.recon = NewReconnectionManager(e.regs, &ReconnectionManagerOptions{
		Config:  cfg.Reconnect,
		Checker: opts.checker(),
		Logger:  logger,
	})
	e.health = NewHealthMonitor(e.regs, &HealthMonitorOptions{
		Config: cfg.Health,
		Pinger: opts.pinger(),
		Logger: logger,
	})
	e.push = NewPushModeManager(e.accounts, &PushModeManagerOptions{Config: cfg.PushMode, Logger: logger})

	e.unbinds = append(e.unbinds,
		e.regs.OnReconnectionRequired(func(ctx context.Context, key AccountKey, reason ReconnectReason) {
			e.recon.Start(ctx, key, reason, true)
		}),
		e.calls.OnCallUpdated(e.handleCallUpdate),
		e.accounts.OnSequenceReset(func(key AccountKey, previous int32) {
			logger.LogAttrs(context.Background(), slog.LevelInfo, "sequence number wrapped",
				slog.Any("account", key),
				slog.Int("previous", int(previous)),
			)
		}),
	)
	return e
}

// handleCallUpdate keeps the owning account's call bookkeeping in step
// with the call registry and releases push-forced foreground when the
// call finishes.
func (e *Engine) handleCallUpdate(ctx context.Context, snap CallSnapshot) {
	acc, err := e.accounts.Get(snap.Account)
	if err != nil {
		return
	}
	switch {
	case snap.State == CallStateConnected || snap.State == CallStateStreamsRunning:
		acc.SetCallConnected(true)
	case snap.State.IsTerminal():
		if id, ok := acc.ActiveCall(); ok && id == snap.ID {
			acc.ResetCall()
		}
		acc.SetCallConnected(false)
		e.push.HandleCallEnded(ctx, snap.Account)
	}
}

// Start launches the engine's background loops.
func (e *Engine) Start(ctx context.Context) {
	e.health.Start(ctx)
}

// Accounts returns the engine's account store.
func (e *Engine) Accounts() *AccountStore { return e.accounts }

// Calls returns the engine's call registry.
func (e *Engine) Calls() *CallRegistry { return e.calls }

// Registrations returns the engine's registration manager.
func (e *Engine) Registrations() *RegistrationManager { return e.regs }

// Reconnections returns the engine's reconnection manager.
func (e *Engine) Reconnections() *ReconnectionManager { return e.recon }

// Health returns the engine's health monitor.
func (e *Engine) Health() *HealthMonitor { return e.health }

// PushModes returns the engine's push mode manager.
func (e *Engine) PushModes() *PushModeManager { return e.push }

// AddAccount creates and tracks a new account session.
func (e *Engine) AddAccount(ctx context.Context, key AccountKey, creds Credentials) (*Account, error) {
	if e.closed.Load() {
		return nil, errtrace.Wrap(ErrEngineClosed)
	}
	acc, err := e.accounts.Add(ctx, key, creds)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return acc, nil
}

// RemoveAccount untracks the account and purges its state from every
// manager. Calls owned by the account are removed from the registry.
func (e *Engine) RemoveAccount(ctx context.Context, key AccountKey) error {
	if e.closed.Load() {
		return errtrace.Wrap(ErrEngineClosed)
	}
	for _, call := range e.calls.AllCalls() {
		if call.Account() == key {
			e.calls.Remove(ctx, call.ID()) //nolint:errcheck
		}
	}
	e.regs.Remove(ctx, key)
	e.recon.Remove(key)
	e.health.Remove(key)
	return errtrace.Wrap(e.accounts.Remove(ctx, key))
}

// StartCall creates an outgoing call for the account and moves it into
// the initial outgoing state. An account carries at most one active call.
func (e *Engine) StartCall(ctx context.Context, key AccountKey, id CallID, remote string) (*Call, error) {
	if e.closed.Load() {
		return nil, errtrace.Wrap(ErrEngineClosed)
	}
	acc, err := e.accounts.Get(key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if _, busy := acc.ActiveCall(); busy {
		return nil, errtrace.Wrap(ErrCallExists)
	}

	call := NewCall(id, CallDirectionOutgoing, key, e.cfg.Call.historyCap())
	call.SetParties(key.String(), remote)
	if err := e.calls.Add(ctx, call); err != nil {
		return nil, errtrace.Wrap(err)
	}
	acc.LinkCall(id)
	e.calls.UpdateState(ctx, id, CallStateOutgoingInit, CallUpdate{})
	return call, nil
}

// HandleIncomingCall creates an incoming call for the account. When the
// call was delivered through a push notification, the push mode manager
// is woken first so the transport is in foreground mode for the call.
func (e *Engine) HandleIncomingCall(ctx context.Context, key AccountKey, id CallID, remote string, fromPush bool) (*Call, error) {
	if e.closed.Load() {
		return nil, errtrace.Wrap(ErrEngineClosed)
	}
	acc, err := e.accounts.Get(key)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if fromPush {
		e.push.HandlePushWake(ctx, key)
	}

	call := NewCall(id, CallDirectionIncoming, key, e.cfg.Call.historyCap())
	call.SetParties(key.String(), remote)
	if err := e.calls.Add(ctx, call); err != nil {
		return nil, errtrace.Wrap(err)
	}
	acc.LinkCall(id)
	e.calls.UpdateState(ctx, id, CallStateIncomingReceived, CallUpdate{})
	return call, nil
}

// HandleCallResponse maps a SIP response for an outgoing call onto the
// call state machine: 180 rings, other 1xx report progress, 2xx connect
// and 4xx and above fail the call with a classified reason.
func (e *Engine) HandleCallResponse(ctx context.Context, id CallID, code int, reason string) bool {
	if e.closed.Load() {
		return false
	}

	upd := CallUpdate{SIPCode: code, SIPReason: reason}
	var newState CallState
	switch {
	case code == 180:
		newState = CallStateOutgoingRinging
	case code >= 100 && code < 200:
		newState = CallStateOutgoingProgress
	case code >= 200 && code < 300:
		newState = CallStateConnected
	case code >= 400:
		newState = CallStateError
	default:
		e.log.LogAttrs(ctx, slog.LevelDebug, "unhandled call response code",
			slog.String("call", string(id)),
			slog.Int("code", code),
		)
		return false
	}
	return e.calls.UpdateState(ctx, id, newState, upd)
}

// UpdateCall moves a call into newState through the call registry.
func (e *Engine) UpdateCall(ctx context.Context, id CallID, newState CallState, upd CallUpdate) bool {
	if e.closed.Load() {
		return false
	}
	return e.calls.UpdateState(ctx, id, newState, upd)
}

// HandleRegistrationResult feeds a registration outcome into the
// registration manager and mirrors the result onto the account session.
func (e *Engine) HandleRegistrationResult(ctx context.Context, key AccountKey, state RegState, regErr string, expiry time.Time) bool {
	if e.closed.Load() {
		return false
	}
	applied := e.regs.Update(ctx, key, state, regErr, expiry)
	if !applied {
		return false
	}

	if acc, err := e.accounts.Get(key); err == nil {
		switch state {
		case RegStateOk:
			acc.SetRegistered(true)
			acc.ResetReconnects()
		case RegStateFailed, RegStateNone, RegStateCleared:
			acc.SetRegistered(false)
		}
	}
	return true
}

// HandleNetworkLost propagates a network loss: registrations go to a
// disconnected baseline and all reconnection work stops.
func (e *Engine) HandleNetworkLost(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.regs.UpdateNetworkState(ctx, false)
	e.recon.HandleNetworkLost(ctx)
}

// HandleNetworkRecovered propagates a claimed network recovery. The
// reconnection manager verifies real connectivity before acting on it.
func (e *Engine) HandleNetworkRecovered(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.regs.UpdateNetworkState(ctx, true)
	e.recon.HandleNetworkRecovered(ctx)
}

// HandleForegrounded reports the app moving to the foreground.
func (e *Engine) HandleForegrounded(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.push.HandleForegrounded(ctx)
}

// HandleBackgrounded reports the app moving to the background.
func (e *Engine) HandleBackgrounded(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.push.HandleBackgrounded(ctx)
}

// HandlePushReceived reports a push delivery that is not an incoming
// call. In push mode the account is switched to foreground transport to
// process the wake-up; a zero key switches all accounts.
func (e *Engine) HandlePushReceived(ctx context.Context, key AccountKey) {
	if e.closed.Load() {
		return
	}
	e.push.HandlePushReceived(ctx, key)
}

// Reconnect starts a manual reconnection for the account, bypassing the
// blocked flag, attempt limits and the connectivity gate.
func (e *Engine) Reconnect(ctx context.Context, key AccountKey) bool {
	if e.closed.Load() {
		return false
	}
	return e.recon.Start(ctx, key, ReconnectReasonManual, true)
}

// OnRenewalDue binds a callback invoked when a registration should be
// renewed, either on the pre-expiry schedule or when the health monitor
// sees the registration enter the renewal window. The callback can be
// unbound by calling the returned unbind function.
func (e *Engine) OnRenewalDue(fn RenewalHandler) (unbind func()) {
	un1 := e.regs.OnRenewalDue(fn)
	un2 := e.health.OnRenewalDue(func(ctx context.Context, key AccountKey, _ time.Time) {
		fn(ctx, key)
	})
	return func() {
		un1()
		un2()
	}
}

// Validate runs consistency checks over every account session.
func (e *Engine) Validate() map[AccountKey]Validation {
	return e.accounts.ValidateAll()
}

// Close shuts the engine down: background loops stop, scheduled work is
// cancelled, callbacks are cleared and account connections are released.
// Safe to call multiple times.
func (e *Engine) Close(ctx context.Context) {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		for _, unbind := range e.unbinds {
			unbind()
		}
		e.health.Close()
		e.recon.Close()
		e.push.Close()
		e.regs.Close()
		e.calls.Close()
		for _, key := range e.accounts.Keys() {
			e.accounts.Remove(ctx, key) //nolint:errcheck
		}
		e.log.LogAttrs(ctx, slog.LevelDebug, "session engine closed")
	})
}
