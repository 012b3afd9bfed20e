package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/syncutil"
	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

// CallHandler is notified after a call's state changed.
type CallHandler = func(ctx context.Context, snap CallSnapshot)

// CallRegistryOptions contains options for a [CallRegistry].
type CallRegistryOptions struct {
	// Config is the call config. Zero value uses defaults.
	Config CallConfig
	// Logger is the logger. If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *CallRegistryOptions) config() CallConfig {
	if o == nil {
		return CallConfig{}
	}
	return o.Config
}

func (o *CallRegistryOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// CallRegistry tracks all concurrently active calls. Terminal calls are
// evicted after a short grace delay rather than synchronously, so a caller
// reading state right after a terminal transition still observes it.
type CallRegistry struct {
	cfg       CallConfig
	calls     syncutil.RWMap[CallID, *Call]
	evictions *timeutil.TaskScheduler[CallID]
	onUpdate  types.CallbackManager[CallHandler]
	log       *slog.Logger
	closed    atomic.Bool
}

// NewCallRegistry creates a new [CallRegistry].
// Options are optional, if nil, default values are used.
func NewCallRegistry(opts *CallRegistryOptions) *CallRegistry {
	r := &CallRegistry{
		cfg: opts.config(),
		log: opts.log(),
	}
	r.evictions = timeutil.NewTaskScheduler[CallID](func(id CallID, recovered any) {
		r.log.LogAttrs(context.Background(), slog.LevelError, "call eviction panicked",
			slog.String("call_id", string(id)),
			slog.Any("recovered", recovered),
		)
	})
	return r
}

// Add registers a call.
func (r *CallRegistry) Add(ctx context.Context, call *Call) error {
	if r.closed.Load() {
		return errtrace.Wrap(ErrCallRegistryClosed)
	}
	if call == nil || call.ID() == "" {
		return errtrace.Wrap(NewInvalidArgumentError("invalid call"))
	}
	if _, exists := r.calls.GetOrSet(call.ID(), call); exists {
		return errtrace.Wrap(ErrCallExists)
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "call added", slog.Any("call", call))
	return nil
}

// Get returns the call for the id.
func (r *CallRegistry) Get(id CallID) (*Call, error) {
	call, ok := r.calls.Get(id)
	if !ok {
		return nil, errtrace.Wrap(ErrCallNotFound)
	}
	return call, nil
}

// Remove drops the call immediately and cancels its pending eviction.
func (r *CallRegistry) Remove(ctx context.Context, id CallID) error {
	r.evictions.Cancel(id)
	if _, ok := r.calls.GetAndDel(id); !ok {
		return errtrace.Wrap(ErrCallNotFound)
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "call removed", slog.String("call_id", string(id)))
	return nil
}

// UpdateState applies a state transition to the call and, on success,
// publishes the new snapshot to subscribers. Terminal transitions schedule
// the call's eviction after the grace delay.
func (r *CallRegistry) UpdateState(ctx context.Context, id CallID, newState CallState, upd CallUpdate) bool {
	call, ok := r.calls.Get(id)
	if !ok {
		r.log.LogAttrs(ctx, slog.LevelDebug, "state update for unknown call",
			slog.String("call_id", string(id)),
			slog.Any("state", newState),
		)
		return false
	}

	prev := call.State()
	if !call.Apply(ctx, newState, upd) {
		r.log.LogAttrs(ctx, slog.LevelDebug, "call transition rejected",
			slog.Any("call", call),
			slog.Any("from", prev),
			slog.Any("to", newState),
		)
		return false
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "call transition",
		slog.Any("call", call),
		slog.Any("from", prev),
		slog.Any("to", newState),
	)

	if newState.IsTerminal() && !r.closed.Load() {
		r.evictions.Schedule(id, r.cfg.graceDelay(), func() {
			r.calls.Del(id)
			r.log.LogAttrs(context.Background(), slog.LevelDebug, "terminal call evicted",
				slog.String("call_id", string(id)),
			)
		})
	}

	snap := call.Snapshot()
	for fn := range r.onUpdate.All() {
		fn(ctx, snap)
	}
	return true
}

// ActiveCalls returns the calls whose state is neither idle nor terminal.
func (r *CallRegistry) ActiveCalls() []*Call {
	var out []*Call
	for _, call := range r.calls.All() {
		if call.State().IsActive() {
			out = append(out, call)
		}
	}
	return out
}

// AllCalls returns every call on record. With exactly one call on record
// whose state is terminal, the call is evicted immediately and an empty
// result is returned: the scheduled grace-delay removal may not have fired
// yet, but the caller needs an authoritative "no calls" answer now.
func (r *CallRegistry) AllCalls() []*Call {
	var out []*Call
	for _, call := range r.calls.All() {
		out = append(out, call)
	}

	if len(out) == 1 && out[0].State().IsTerminal() {
		id := out[0].ID()
		r.evictions.Cancel(id)
		r.calls.Del(id)
		return nil
	}
	return out
}

// Len returns the number of calls on record.
func (r *CallRegistry) Len() int { return r.calls.Len() }

// ClearAll drops every call and cancels all pending evictions.
// Used on full reset.
func (r *CallRegistry) ClearAll() {
	r.evictions.CancelAll()
	r.calls.Clear()
}

// OnCallUpdated binds a callback invoked after each applied transition.
// The callback can be unbound by calling the returned unbind function.
func (r *CallRegistry) OnCallUpdated(fn CallHandler) (unbind func()) {
	return r.onUpdate.Add(fn)
}

// Close cancels all scheduled evictions, clears subscribers and drops all
// calls. Safe to call multiple times.
func (r *CallRegistry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.evictions.Close()
	r.onUpdate.Clear()
	r.calls.Clear()
}
