package session

import (
	"os"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"
)

// Default values for engine timings and thresholds.
const (
	// DefCallGraceDelay is the delay before a terminal call is evicted
	// from the registry, so observers can read the final state once.
	DefCallGraceDelay = time.Second
	// DefCallHistoryCap bounds the per-call transition history.
	DefCallHistoryCap = 32

	// DefRenewalLead is how long before expiry a registration renewal fires.
	DefRenewalLead = 60 * time.Second
	// DefForceRefreshFailures is the consecutive-failure streak at which a
	// late Ok update overrides a stale failed status. The right value
	// depends on SIP server retry behavior, hence configurable.
	DefForceRefreshFailures = 3
	// DefMaxFailureReconnects bounds how many consecutive failures still
	// trigger an automatic reconnection.
	DefMaxFailureReconnects = 5
	// DefRetryBackoffBase is the first failure-triggered retry delay.
	DefRetryBackoffBase = 2 * time.Second
	// DefRetryBackoffMax caps the failure-triggered retry delay.
	DefRetryBackoffMax = 32 * time.Second

	// DefHealthCheckInterval is the full health scan period.
	DefHealthCheckInterval = 30 * time.Second
	// DefPingInterval is the liveness ping period for registered accounts.
	DefPingInterval = 60 * time.Second
	// DefHealthyScore is the minimum score of a healthy account.
	DefHealthyScore = 70
	// DefRenewalWindow is how long before expiry a health scan starts
	// reporting that renewal is needed.
	DefRenewalWindow = 5 * time.Minute

	// DefReconnectBackoffBase is the first reconnection backoff delay.
	DefReconnectBackoffBase = 2 * time.Second
	// DefReconnectBackoffMax caps the reconnection backoff delay.
	DefReconnectBackoffMax = 2 * time.Minute
	// DefReconnectImmediateDelay is the small delay used for immediate
	// reconnection requests.
	DefReconnectImmediateDelay = 500 * time.Millisecond
	// DefReconnectSettleWait is how long an attempt waits before reading
	// back the registration state to classify its outcome.
	DefReconnectSettleWait = 2 * time.Second
	// DefReconnectMaxAttempts bounds automatic attempts per account.
	DefReconnectMaxAttempts = 10
	// DefMaxFalseRecoveries bounds network-recovery notifications without
	// verified connectivity before automatic attempts are suppressed.
	DefMaxFalseRecoveries = 3

	// DefToPushDelay is the delay between app backgrounding and the switch
	// to push mode.
	DefToPushDelay = 5 * time.Second
	// DefReturnToPushDelay is the delay between call end and the return of
	// the account to push mode.
	DefReturnToPushDelay = 2 * time.Second
)

// CallConfig configures the call state machine and registry.
// Zero value uses defaults.
type CallConfig struct {
	// GraceDelay is the terminal-call eviction delay.
	GraceDelay time.Duration `yaml:"grace_delay"`
	// HistoryCap bounds the per-call transition history.
	HistoryCap int `yaml:"history_cap"`
}

func (c CallConfig) graceDelay() time.Duration {
	if c.GraceDelay > 0 {
		return c.GraceDelay
	}
	return DefCallGraceDelay
}

func (c CallConfig) historyCap() int {
	if c.HistoryCap > 0 {
		return c.HistoryCap
	}
	return DefCallHistoryCap
}

// RegistrationConfig configures the registration state manager.
// Zero value uses defaults.
type RegistrationConfig struct {
	// RenewalLead is how long before expiry the renewal callback fires.
	RenewalLead time.Duration `yaml:"renewal_lead"`
	// ForceRefreshFailures is the consecutive-failure streak at which a
	// late Ok update is accepted despite being a duplicate.
	ForceRefreshFailures int `yaml:"force_refresh_failures"`
	// MaxFailureReconnects bounds consecutive failures that still trigger
	// an automatic reconnection.
	MaxFailureReconnects int `yaml:"max_failure_reconnects"`
	// RetryBackoffBase is the first failure-triggered retry delay.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	// RetryBackoffMax caps the failure-triggered retry delay.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
}

// RetryBackoff returns the failure-triggered retry delay for the given
// consecutive-failure count: min(base * 2^(failures-1), max).
func (c RegistrationConfig) RetryBackoff(failures int) time.Duration {
	base := c.RetryBackoffBase
	if base <= 0 {
		base = DefRetryBackoffBase
	}
	maxDelay := c.RetryBackoffMax
	if maxDelay <= 0 {
		maxDelay = DefRetryBackoffMax
	}
	if failures <= 1 {
		return base
	}
	if failures >= 32 {
		return maxDelay
	}
	d := base << uint(failures-1)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func (c RegistrationConfig) renewalLead() time.Duration {
	if c.RenewalLead > 0 {
		return c.RenewalLead
	}
	return DefRenewalLead
}

func (c RegistrationConfig) forceRefreshFailures() int {
	if c.ForceRefreshFailures > 0 {
		return c.ForceRefreshFailures
	}
	return DefForceRefreshFailures
}

func (c RegistrationConfig) maxFailureReconnects() int {
	if c.MaxFailureReconnects > 0 {
		return c.MaxFailureReconnects
	}
	return DefMaxFailureReconnects
}

// HealthConfig configures the registration health monitor.
// Zero value uses defaults.
type HealthConfig struct {
	// CheckInterval is the full scan period.
	CheckInterval time.Duration `yaml:"check_interval"`
	// PingInterval is the liveness ping period.
	PingInterval time.Duration `yaml:"ping_interval"`
	// HealthyScore is the minimum score of a healthy account.
	HealthyScore int `yaml:"healthy_score"`
	// RenewalWindow is how long before expiry renewal is reported due.
	RenewalWindow time.Duration `yaml:"renewal_window"`
}

func (c HealthConfig) checkInterval() time.Duration {
	if c.CheckInterval > 0 {
		return c.CheckInterval
	}
	return DefHealthCheckInterval
}

func (c HealthConfig) pingInterval() time.Duration {
	if c.PingInterval > 0 {
		return c.PingInterval
	}
	return DefPingInterval
}

func (c HealthConfig) healthyScore() int {
	if c.HealthyScore > 0 {
		return c.HealthyScore
	}
	return DefHealthyScore
}

func (c HealthConfig) renewalWindow() time.Duration {
	if c.RenewalWindow > 0 {
		return c.RenewalWindow
	}
	return DefRenewalWindow
}

// ReconnectConfig configures the reconnection manager.
// Zero value uses defaults.
type ReconnectConfig struct {
	// BackoffBase is the first backoff delay.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// ImmediateDelay is the delay used for immediate requests.
	ImmediateDelay time.Duration `yaml:"immediate_delay"`
	// SettleWait is the wait before an attempt outcome is classified.
	SettleWait time.Duration `yaml:"settle_wait"`
	// MaxAttempts bounds automatic attempts per account.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxFalseRecoveries bounds unverified recovery notifications before
	// automatic attempts are suppressed.
	MaxFalseRecoveries int `yaml:"max_false_recoveries"`
}

func (c ReconnectConfig) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return DefReconnectBackoffBase
}

func (c ReconnectConfig) backoffMax() time.Duration {
	if c.BackoffMax > 0 {
		return c.BackoffMax
	}
	return DefReconnectBackoffMax
}

func (c ReconnectConfig) immediateDelay() time.Duration {
	if c.ImmediateDelay > 0 {
		return c.ImmediateDelay
	}
	return DefReconnectImmediateDelay
}

func (c ReconnectConfig) settleWait() time.Duration {
	if c.SettleWait > 0 {
		return c.SettleWait
	}
	return DefReconnectSettleWait
}

func (c ReconnectConfig) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return DefReconnectMaxAttempts
}

func (c ReconnectConfig) maxFalseRecoveries() int {
	if c.MaxFalseRecoveries > 0 {
		return c.MaxFalseRecoveries
	}
	return DefMaxFalseRecoveries
}

// BackoffDelay returns the delay before attempt k: min(base * 2^k, max).
func (c ReconnectConfig) BackoffDelay(attempt int) time.Duration {
	base, maxDelay := c.backoffBase(), c.backoffMax()
	if attempt <= 0 {
		return base
	}
	// Guard the shift against overflow past the cap.
	if attempt >= 32 {
		return maxDelay
	}
	d := base << uint(attempt)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// PushModeConfig configures the push mode manager.
// Zero value uses defaults.
type PushModeConfig struct {
	// ToPushDelay is the backgrounded-to-push transition delay.
	ToPushDelay time.Duration `yaml:"to_push_delay"`
	// ReturnToPushDelay is the call-end-to-push return delay.
	ReturnToPushDelay time.Duration `yaml:"return_to_push_delay"`
	// KeepPushOnIncomingCall disables the forced switch to foreground
	// (and re-registration) when a call arrives in push mode.
	KeepPushOnIncomingCall bool `yaml:"keep_push_on_incoming_call"`
	// StayForegroundAfterCall disables the automatic return to push mode
	// after a call ends.
	StayForegroundAfterCall bool `yaml:"stay_foreground_after_call"`
}

func (c PushModeConfig) toPushDelay() time.Duration {
	if c.ToPushDelay > 0 {
		return c.ToPushDelay
	}
	return DefToPushDelay
}

func (c PushModeConfig) returnToPushDelay() time.Duration {
	if c.ReturnToPushDelay > 0 {
		return c.ReturnToPushDelay
	}
	return DefReturnToPushDelay
}

// Config aggregates the per-component configs.
// Zero value uses defaults everywhere.
type Config struct {
	Call         CallConfig         `yaml:"call"`
	Registration RegistrationConfig `yaml:"registration"`
	Health       HealthConfig       `yaml:"health"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	PushMode     PushModeConfig     `yaml:"push_mode"`
}

// LoadConfig reads a YAML config file. Missing fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}
