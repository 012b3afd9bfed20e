package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ghettovoice/sipua/internal/syncutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

// Pinger sends a keepalive probe towards the registrar of the account.
type Pinger interface {
	Ping(ctx context.Context, key AccountKey) error
}

// HealthStatus is a point-in-time health evaluation of one account.
type HealthStatus struct {
	Key       AccountKey
	Score     int
	Healthy   bool
	Level     HealthLevel
	Issues    []string
	// NeedsRenewal is set while the registration expiry sits inside
	// the renewal window.
	NeedsRenewal bool
	LastPing     time.Time
	PingError    string
	CheckedAt    time.Time
}

// LogValue implements [slog.LogValuer].
func (s HealthStatus) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("account", s.Key),
		slog.Int("score", s.Score),
		slog.Bool("healthy", s.Healthy),
		slog.Any("level", s.Level),
	)
}

// HealthChangedHandler is invoked when an account's healthy flag flips.
type HealthChangedHandler = func(ctx context.Context, status HealthStatus)

// RenewalDueHandler is invoked when an account's registration enters the
// renewal window. Fired at most once per distinct expiry.
type RenewalDueHandler = func(ctx context.Context, key AccountKey, expiry time.Time)

type healthRecord struct {
	mu              sync.Mutex
	status          HealthStatus
	evaluated       bool
	lastAttempt     time.Time
	lastPing        time.Time
	pingErr         string
	renewalNotified time.Time
}

// HealthMonitorOptions contains options for a [HealthMonitor].
type HealthMonitorOptions struct {
	// Config is the health monitoring config. Zero value uses defaults.
	Config HealthConfig
	// Pinger sends keepalive probes. If nil, the ping loop is disabled
	// and ping staleness never counts against the score.
	Pinger Pinger
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *HealthMonitorOptions) config() HealthConfig {
	if o == nil {
		return HealthConfig{}
	}
	return o.Config
}

func (o *HealthMonitorOptions) pinger() Pinger {
	if o == nil {
		return nil
	}
	return o.Pinger
}

func (o *HealthMonitorOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// HealthMonitor periodically scores every registered account and probes
// registrars with keepalive pings. Scores feed per-account healthy flags
// and an overall level; accounts approaching registration expiry produce
// renewal-due notifications.
type HealthMonitor struct {
	cfg    HealthConfig
	regs   *RegistrationManager
	pinger Pinger
	log    *slog.Logger

	records syncutil.RWMap[AccountKey, *healthRecord]

	onChanged    types.CallbackManager[HealthChangedHandler]
	onRenewalDue types.CallbackManager[RenewalDueHandler]

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewHealthMonitor creates a new [HealthMonitor] reading registration
// state from regs.
// Options are optional, if nil, default values are used.
func NewHealthMonitor(regs *RegistrationManager, opts *HealthMonitorOptions) *HealthMonitor {
	return &HealthMonitor{
		cfg:    opts.config(),
		regs:   regs,
		pinger: opts.pinger(),
		log:    opts.log(),
		done:   make(chan struct{}),
	}
}

// Start launches the periodic scan and ping loops. Subsequent calls are
// no-ops. The loops stop when ctx is cancelled or the monitor is closed.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.scanLoop(ctx)
		}()
		if m.pinger != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.pingLoop(ctx)
			}()
		}
		go func() {
			wg.Wait()
			close(m.done)
		}()
	})
}

func (m *HealthMonitor) scanLoop(ctx context.Context) {
	tick := time.NewTicker(m.cfg.checkInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.CheckNow(ctx)
		}
	}
}

func (m *HealthMonitor) pingLoop(ctx context.Context) {
	tick := time.NewTicker(m.cfg.pingInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.PingNow(ctx)
		}
	}
}

func (m *HealthMonitor) record(key AccountKey) *healthRecord {
	rec, _ := m.records.GetOrSet(key, &healthRecord{})
	return rec
}

// CheckNow runs one evaluation pass over every tracked account and
// returns the fresh statuses. Healthy-flag flips and newly entered
// renewal windows notify the bound callbacks.
func (m *HealthMonitor) CheckNow(ctx context.Context) []HealthStatus {
	keys := m.regs.Keys()
	out := make([]HealthStatus, 0, len(keys))

	for _, key := range keys {
		snap, ok := m.regs.Snapshot(key)
		if !ok {
			continue
		}
		rec := m.record(key)

		rec.mu.Lock()
		status := m.evaluate(snap, rec.lastAttempt, rec.lastPing, rec.pingErr)
		flipped := rec.evaluated && rec.status.Healthy != status.Healthy
		rec.status = status
		rec.evaluated = true

		var renewalExpiry time.Time
		if snap.State == RegStateOk && !snap.Expiry.IsZero() &&
			time.Until(snap.Expiry) <= m.cfg.renewalWindow() &&
			!snap.Expiry.Equal(rec.renewalNotified) {
			rec.renewalNotified = snap.Expiry
			renewalExpiry = snap.Expiry
		}
		rec.mu.Unlock()

		out = append(out, status)

		if flipped {
			m.log.LogAttrs(ctx, slog.LevelInfo, "account health changed", slog.Any("status", status))
			for fn := range m.onChanged.All() {
				fn(ctx, status)
			}
		}
		if !renewalExpiry.IsZero() {
			m.log.LogAttrs(ctx, slog.LevelDebug, "registration renewal due",
				slog.Any("account", key),
				slog.Time("expiry", renewalExpiry),
			)
			for fn := range m.onRenewalDue.All() {
				fn(ctx, key, renewalExpiry)
			}
		}
	}
	return out
}

// PingNow sends one keepalive probe per tracked account and records the
// outcome for the next evaluation pass. No-op without a pinger.
func (m *HealthMonitor) PingNow(ctx context.Context) {
	if m.pinger == nil {
		return
	}
	for _, key := range m.regs.Keys() {
		rec := m.record(key)
		err := m.pinger.Ping(ctx, key)

		rec.mu.Lock()
		rec.lastAttempt = time.Now()
		if err != nil {
			rec.pingErr = err.Error()
		} else {
			// Staleness is measured against the last success, a failing
			// registrar must not keep resetting the clock.
			rec.lastPing = time.Now()
			rec.pingErr = ""
		}
		rec.mu.Unlock()

		if err != nil {
			m.log.LogAttrs(ctx, slog.LevelDebug, "keepalive ping failed",
				slog.Any("account", key),
				slog.Any("error", err),
			)
		}
	}
}

func (m *HealthMonitor) evaluate(snap RegistrationSnapshot, lastAttempt, lastPing time.Time, pingErr string) HealthStatus {
	score := 100
	var issues []string

	if snap.State != RegStateOk {
		score -= 30
		issues = append(issues, fmt.Sprintf("registration not ok: %s", snap.State))
	}
	if snap.Expired() {
		score -= 40
		issues = append(issues, "registration expired")
	}
	if !snap.NetworkConnected {
		score -= 25
		issues = append(issues, "network disconnected")
	}
	if snap.Failures > 0 {
		score -= 5 * snap.Failures
		issues = append(issues, fmt.Sprintf("%d consecutive registration failures", snap.Failures))
	}
	if isAuthError(snap.LastError) {
		score -= 20
		issues = append(issues, "authentication problem")
	}
	if m.pinger != nil && !lastAttempt.IsZero() &&
		(lastPing.IsZero() || time.Since(lastPing) > 2*m.cfg.pingInterval()) {
		score -= 15
		issues = append(issues, "no recent successful keepalive ping")
	}
	if score < 0 {
		score = 0
	}

	critical := snap.State != RegStateOk || snap.Expired()
	needsRenewal := snap.State == RegStateOk && !snap.Expiry.IsZero() &&
		time.Until(snap.Expiry) <= m.cfg.renewalWindow()
	return HealthStatus{
		Key:          snap.Key,
		Score:        score,
		Healthy:      score >= m.cfg.healthyScore() && !critical,
		Level:        healthLevelForScore(score),
		Issues:       issues,
		NeedsRenewal: needsRenewal,
		LastPing:     lastPing,
		PingError:    pingErr,
		CheckedAt:    time.Now(),
	}
}

func isAuthError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "auth") ||
		strings.Contains(msg, "credential") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden")
}

func healthLevelForScore(score int) HealthLevel {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 50:
		return HealthFair
	case score >= 30:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// Status returns the latest evaluated status for the account.
func (m *HealthMonitor) Status(key AccountKey) (HealthStatus, bool) {
	rec, ok := m.records.Get(key)
	if !ok {
		return HealthStatus{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.evaluated {
		return HealthStatus{}, false
	}
	return rec.status, true
}

// Statuses returns the latest evaluated statuses of all tracked accounts.
func (m *HealthMonitor) Statuses() []HealthStatus {
	out := make([]HealthStatus, 0, m.records.Len())
	for _, rec := range m.records.All() {
		rec.mu.Lock()
		if rec.evaluated {
			out = append(out, rec.status)
		}
		rec.mu.Unlock()
	}
	return out
}

// Overall collapses the per-account levels into one: excellent or good
// only when every account clears the bar, critical or poor as soon as any
// account falls under it. Without evaluated accounts the level is unknown.
func (m *HealthMonitor) Overall() HealthLevel {
	statuses := m.Statuses()
	if len(statuses) == 0 {
		return HealthUnknown
	}

	minScore := 100
	for _, st := range statuses {
		if st.Score < minScore {
			minScore = st.Score
		}
	}
	switch {
	case minScore >= 90:
		return HealthExcellent
	case minScore >= 70:
		return HealthGood
	case minScore < 30:
		return HealthCritical
	case minScore < 50:
		return HealthPoor
	default:
		return HealthFair
	}
}

// Remove drops the account's health record.
func (m *HealthMonitor) Remove(key AccountKey) {
	m.records.Del(key)
}

// OnHealthChanged binds a callback invoked when an account's healthy flag
// flips. The callback can be unbound by calling the returned unbind
// function.
func (m *HealthMonitor) OnHealthChanged(fn HealthChangedHandler) (unbind func()) {
	return m.onChanged.Add(fn)
}

// OnRenewalDue binds a callback invoked when a registration enters the
// renewal window. The callback can be unbound by calling the returned
// unbind function.
func (m *HealthMonitor) OnRenewalDue(fn RenewalDueHandler) (unbind func()) {
	return m.onRenewalDue.Add(fn)
}

// Close stops the loops and waits for them to finish, then clears all
// state. Safe to call multiple times, also without a prior Start.
func (m *HealthMonitor) Close() {
	m.closeOnce.Do(func() {
		started := false
		m.startOnce.Do(func() {}) // bar late Start calls
		if m.cancel != nil {
			started = true
			m.cancel()
		}
		if started {
			<-m.done
		}
		m.onChanged.Clear()
		m.onRenewalDue.Clear()
		m.records.Clear()
	})
}
