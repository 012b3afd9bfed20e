package session

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/syncutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

// Sequence counter bounds. The counter resets to 1 once incrementing it
// would pass the ceiling, which sits 1000 below the representable maximum
// so in-flight requests never wrap.
const (
	seqMin     = 1
	seqCeiling = math.MaxInt32 - 1000
)

// Credentials is a snapshot of an account's authentication credentials.
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// AuthState holds an account's authentication challenge and retry state.
type AuthState struct {
	Nonce      string
	Realm      string
	RetryCount int
	LastMethod string
}

// ValidationIssue names a detected account state inconsistency.
type ValidationIssue string

const (
	IssueSequenceOutOfRange    ValidationIssue = "sequence out of range"
	IssueRegisteredWithoutConn ValidationIssue = "registered without live connection"
	IssueCallConnectedNoLink   ValidationIssue = "call connected without call link"
)

// Validation is the result of an account self-check.
type Validation struct {
	Valid  bool
	Issues []ValidationIssue
}

// Account is the per-account mutable protocol state: request sequencing,
// authentication challenge bookkeeping and call linkage. Every mutation is
// serialized under the account's own lock, so unrelated accounts never
// contend.
type Account struct {
	key   AccountKey
	creds Credentials

	mu            sync.Mutex
	seq           int32
	auth          AuthState
	activeCall    CallID
	registered    bool
	callConnected bool
	reconnects    int
	conn          io.Closer
	seqSource     string

	onSeqReset *types.CallbackManager[SequenceResetHandler]
}

// SequenceResetHandler is notified when an account's sequence counter wraps.
type SequenceResetHandler = func(key AccountKey, previous int32)

// AccountSnapshot is an immutable view of an account's state.
type AccountSnapshot struct {
	Key           AccountKey
	Sequence      int32
	Auth          AuthState
	ActiveCall    CallID
	Registered    bool
	CallConnected bool
	Reconnects    int
	HasConnection bool
}

func newAccount(key AccountKey, creds Credentials, onSeqReset *types.CallbackManager[SequenceResetHandler]) *Account {
	return &Account{
		key:        key,
		creds:      creds,
		onSeqReset: onSeqReset,
	}
}

func (a *Account) Key() AccountKey { return a.key }

// Credentials returns the credential snapshot taken when the account was
// configured.
func (a *Account) Credentials() Credentials { return a.creds }

// LogValue implements [slog.LogValuer].
func (a *Account) LogValue() slog.Value {
	if a == nil {
		return slog.Value{}
	}
	snap := a.Snapshot()
	return slog.GroupValue(
		slog.Any("key", snap.Key),
		slog.Int("seq", int(snap.Sequence)),
		slog.Bool("registered", snap.Registered),
		slog.String("call", string(snap.ActiveCall)),
	)
}

// NextSequence increments and returns the request sequence number.
// When the counter is within reach of the ceiling it resets to 1 first
// and the reset is reported to sequence-reset subscribers.
func (a *Account) NextSequence() int32 {
	a.mu.Lock()
	var wrapped int32
	if a.seq+1 > seqCeiling {
		wrapped = a.seq
		a.seq = 0
	}
	a.seq++
	n := a.seq
	a.mu.Unlock()

	if wrapped > 0 {
		for fn := range a.onSeqReset.All() {
			fn(a.key, wrapped)
		}
	}
	return n
}

// ObserveExternalSequence accepts an externally observed sequence number
// only when it is strictly greater than the current one. The counter is
// never decreased by an external update.
func (a *Account) ObserveExternalSequence(n int32, source string) bool {
	if n < seqMin || n > seqCeiling {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= a.seq {
		return false
	}
	a.seq = n
	a.seqSource = source
	return true
}

// Sequence returns the last issued sequence number.
func (a *Account) Sequence() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// RecordAuthChallenge stores the server's authentication challenge.
func (a *Account) RecordAuthChallenge(nonce, realm string) {
	a.mu.Lock()
	a.auth.Nonce = nonce
	a.auth.Realm = realm
	a.mu.Unlock()
}

// RecordAuthAttempt counts an authenticated request attempt for the method
// and returns the new retry count.
func (a *Account) RecordAuthAttempt(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.auth.LastMethod != method {
		a.auth.RetryCount = 0
	}
	a.auth.LastMethod = method
	a.auth.RetryCount++
	return a.auth.RetryCount
}

// ResetAuth clears the challenge, retry and method fields.
func (a *Account) ResetAuth() {
	a.mu.Lock()
	a.auth = AuthState{}
	a.mu.Unlock()
}

// LinkCall attaches the call to the account. An account owns at most one
// call at a time; linking replaces the previous link.
func (a *Account) LinkCall(id CallID) {
	a.mu.Lock()
	a.activeCall = id
	a.mu.Unlock()
}

// ResetCall clears the call link and the call-connected flag.
func (a *Account) ResetCall() {
	a.mu.Lock()
	a.activeCall = ""
	a.callConnected = false
	a.mu.Unlock()
}

// ActiveCall returns the linked call, if any.
func (a *Account) ActiveCall() (CallID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeCall, a.activeCall != ""
}

// SetCallConnected marks whether the linked call has connected media.
func (a *Account) SetCallConnected(connected bool) {
	a.mu.Lock()
	a.callConnected = connected
	a.mu.Unlock()
}

// SetRegistered marks the account's registration flag.
func (a *Account) SetRegistered(registered bool) {
	a.mu.Lock()
	a.registered = registered
	a.mu.Unlock()
}

// IncReconnects counts a reconnection attempt and returns the new count.
func (a *Account) IncReconnects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnects++
	return a.reconnects
}

// ResetReconnects clears the reconnection attempt counter.
func (a *Account) ResetReconnects() {
	a.mu.Lock()
	a.reconnects = 0
	a.mu.Unlock()
}

// AttachConnection hands the account ownership of a connection resource.
// A previously owned connection is closed first.
func (a *Account) AttachConnection(conn io.Closer) error {
	a.mu.Lock()
	prev := a.conn
	a.conn = conn
	a.mu.Unlock()

	// No identity check: closer dynamic types need not be comparable,
	// and re-attaching the same connection transfers ownership anyway.
	if prev != nil {
		return errtrace.Wrap(prev.Close())
	}
	return nil
}

// ReleaseConnection closes and drops the owned connection resource.
func (a *Account) ReleaseConnection() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.registered = false
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	return errtrace.Wrap(conn.Close())
}

// Validate checks the account state for internal consistency: the sequence
// number must be in range, a registered account must own a live connection
// and a call-connected account must have a call link.
func (a *Account) Validate() Validation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var issues []ValidationIssue
	if a.seq < 0 || a.seq > seqCeiling {
		issues = append(issues, IssueSequenceOutOfRange)
	}
	if a.registered && a.conn == nil {
		issues = append(issues, IssueRegisteredWithoutConn)
	}
	if a.callConnected && a.activeCall == "" {
		issues = append(issues, IssueCallConnectedNoLink)
	}
	return Validation{Valid: len(issues) == 0, Issues: issues}
}

// AutoFix applies the minimal corrective action per detected issue and
// reports whether all issues were resolved.
func (a *Account) AutoFix() bool {
	a.mu.Lock()
	if a.seq < 0 || a.seq > seqCeiling {
		a.seq = 0
	}
	if a.registered && a.conn == nil {
		a.registered = false
	}
	if a.callConnected && a.activeCall == "" {
		a.callConnected = false
	}
	a.mu.Unlock()

	return a.Validate().Valid
}

// Snapshot returns an immutable view of the account state.
func (a *Account) Snapshot() AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AccountSnapshot{
		Key:           a.key,
		Sequence:      a.seq,
		Auth:          a.auth,
		ActiveCall:    a.activeCall,
		Registered:    a.registered,
		CallConnected: a.callConnected,
		Reconnects:    a.reconnects,
		HasConnection: a.conn != nil,
	}
}

// AccountStoreOptions contains options for an [AccountStore].
type AccountStoreOptions struct {
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *AccountStoreOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// AccountStore owns the configured accounts.
type AccountStore struct {
	accounts   syncutil.RWMap[AccountKey, *Account]
	onSeqReset types.CallbackManager[SequenceResetHandler]
	log        *slog.Logger
}

// NewAccountStore creates a new [AccountStore].
// Options are optional, if nil, default values are used.
func NewAccountStore(opts *AccountStoreOptions) *AccountStore {
	return &AccountStore{log: opts.log()}
}

// Add configures a new account.
func (s *AccountStore) Add(ctx context.Context, key AccountKey, creds Credentials) (*Account, error) {
	if !key.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid account key"))
	}

	acc := newAccount(key, creds, &s.onSeqReset)
	if _, exists := s.accounts.GetOrSet(key, acc); exists {
		return nil, errtrace.Wrap(ErrAccountExists)
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "account added", slog.Any("account", key))
	return acc, nil
}

// Get returns the account for the key.
func (s *AccountStore) Get(key AccountKey) (*Account, error) {
	acc, ok := s.accounts.Get(key)
	if !ok {
		return nil, errtrace.Wrap(ErrAccountNotFound)
	}
	return acc, nil
}

// Remove destroys the account, releasing any owned connection resource
// first.
func (s *AccountStore) Remove(ctx context.Context, key AccountKey) error {
	acc, ok := s.accounts.GetAndDel(key)
	if !ok {
		return errtrace.Wrap(ErrAccountNotFound)
	}

	if err := acc.ReleaseConnection(); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to release account connection",
			slog.Any("account", key),
			slog.Any("error", err),
		)
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "account removed", slog.Any("account", key))
	return nil
}

// Keys returns the keys of all configured accounts.
func (s *AccountStore) Keys() []AccountKey {
	keys := make([]AccountKey, 0, s.accounts.Len())
	for key := range s.accounts.All() {
		keys = append(keys, key)
	}
	return keys
}

// Snapshots returns a point-in-time snapshot of every configured account.
func (s *AccountStore) Snapshots() []AccountSnapshot {
	out := make([]AccountSnapshot, 0, s.accounts.Len())
	for _, acc := range s.accounts.All() {
		out = append(out, acc.Snapshot())
	}
	return out
}

// Len returns the number of configured accounts.
func (s *AccountStore) Len() int { return s.accounts.Len() }

// OnSequenceReset binds a callback invoked when any account's sequence
// counter wraps. The callback can be unbound by calling the returned
// unbind function.
func (s *AccountStore) OnSequenceReset(fn SequenceResetHandler) (unbind func()) {
	return s.onSeqReset.Add(fn)
}

// ValidateAll runs [Account.Validate] on every account and returns the
// failing validations by key.
func (s *AccountStore) ValidateAll() map[AccountKey]Validation {
	out := make(map[AccountKey]Validation)
	for key, acc := range s.accounts.All() {
		if v := acc.Validate(); !v.Valid {
			out[key] = v
		}
	}
	return out
}
