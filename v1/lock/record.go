package lock

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mirkobrombin/go-warden/v1/store"
)

// DefaultKeys are the store slots used when the caller does not override
// them.
var DefaultKeys = Keys{Owner: "warden:owner", Beat: "warden:beat"}

// DefaultStale is the abandonment window applied when none is configured.
// A record whose beat is older than this counts as abandoned.
const DefaultStale = 5 * time.Second

// Keys names the two store slots forming the lock record.
type Keys struct {
	Owner string
	Beat  string
}

// Record reads and writes the lock record and applies the staleness
// policy. All methods take the evaluation time explicitly so callers keep
// one clock for an entire decision.
type Record struct {
	st    store.Store
	keys  Keys
	stale time.Duration

	onDegraded func(op string, err error)
}

// Option configures a Record.
type Option func(*Record)

// WithKeys overrides the store slots used for the record. Empty fields
// keep their defaults.
func WithKeys(k Keys) Option {
	return func(r *Record) {
		if k.Owner != "" {
			r.keys.Owner = k.Owner
		}
		if k.Beat != "" {
			r.keys.Beat = k.Beat
		}
	}
}

// WithStale sets the abandonment window.
func WithStale(d time.Duration) Option {
	return func(r *Record) {
		if d > 0 {
			r.stale = d
		}
	}
}

// WithDegraded installs a hook invoked whenever a store access fails and
// the record degrades to its failure-path behavior.
func WithDegraded(fn func(op string, err error)) Option {
	return func(r *Record) {
		r.onDegraded = fn
	}
}

// NewRecord returns a Record over st.
func NewRecord(st store.Store, opts ...Option) *Record {
	r := &Record{st: st, keys: DefaultKeys, stale: DefaultStale}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Keys returns the store slots this record lives in.
func (r *Record) Keys() Keys {
	return r.keys
}

// Stale returns the abandonment window.
func (r *Record) Stale() time.Duration {
	return r.stale
}

func (r *Record) degraded(op string, err error) {
	slog.Warn("warden: store "+op+" failed (degraded mode)", "error", err)
	if r.onDegraded != nil {
		r.onDegraded(op, err)
	}
}

// Owner returns the identity currently recorded in the owner slot. An
// unreadable store reads as absent.
func (r *Record) Owner(ctx context.Context) (string, bool) {
	v, ok, err := r.st.Get(ctx, r.keys.Owner)
	if err != nil {
		r.degraded("get", err)
		return "", false
	}
	return v, ok
}

// HeartbeatAt returns the recorded liveness timestamp in milliseconds
// since the epoch, or 0 when the slot is absent, unreadable or holds
// something that is not a timestamp.
func (r *Record) HeartbeatAt(ctx context.Context) int64 {
	v, ok, err := r.st.Get(ctx, r.keys.Beat)
	if err != nil {
		r.degraded("get", err)
		return 0
	}
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// IsStale reports whether the record counts as abandoned at now: the beat
// slot is missing, or its timestamp is older than the stale window.
func (r *Record) IsStale(ctx context.Context, now time.Time) bool {
	beat := r.HeartbeatAt(ctx)
	if beat == 0 {
		return true
	}
	return now.UnixMilli()-beat > r.stale.Milliseconds()
}

// CanClaim reports whether self may claim the record at now: the owner
// slot is absent, already self, or the record is abandoned. This is the
// entire admission policy; when two instances pass it at the same moment
// the last writer wins and the loser is caught by a later trigger.
func (r *Record) CanClaim(ctx context.Context, self string, now time.Time) bool {
	owner, ok := r.Owner(ctx)
	if !ok || owner == self {
		return true
	}
	return r.IsStale(ctx, now)
}

// Claim writes owner=self and a fresh beat, unconditionally. Callers check
// CanClaim first; Claim never re-verifies the precondition. It reports
// whether the writes reached the store.
func (r *Record) Claim(ctx context.Context, self string, now time.Time) bool {
	beat := strconv.FormatInt(now.UnixMilli(), 10)
	if batcher, ok := r.st.(store.Batcher); ok {
		b, err := batcher.Batch(ctx)
		if err == nil {
			_ = b.Set(ctx, r.keys.Owner, self)
			_ = b.Set(ctx, r.keys.Beat, beat)
			if err := b.Commit(ctx); err != nil {
				r.degraded("set", err)
				return false
			}
			return true
		}
	}
	if err := r.st.Set(ctx, r.keys.Owner, self); err != nil {
		r.degraded("set", err)
		return false
	}
	if err := r.st.Set(ctx, r.keys.Beat, beat); err != nil {
		r.degraded("set", err)
		return false
	}
	return true
}

// Release removes both slots if self is still the recorded owner. A record
// owned by someone else is left untouched. Failures are swallowed: release
// runs on teardown paths where there is nothing left to recover.
func (r *Record) Release(ctx context.Context, self string) {
	owner, ok := r.Owner(ctx)
	if !ok || owner != self {
		return
	}
	if batcher, ok := r.st.(store.Batcher); ok {
		b, err := batcher.Batch(ctx)
		if err == nil {
			_ = b.Remove(ctx, r.keys.Owner)
			_ = b.Remove(ctx, r.keys.Beat)
			if err := b.Commit(ctx); err != nil {
				r.degraded("remove", err)
			}
			return
		}
	}
	if err := r.st.Remove(ctx, r.keys.Owner); err != nil {
		r.degraded("remove", err)
	}
	if err := r.st.Remove(ctx, r.keys.Beat); err != nil {
		r.degraded("remove", err)
	}
}
