package lock_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/store"
)

// failingStore errors on every operation, simulating a store that is
// unreachable or denied.
type failingStore struct {
	err error
}

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, f.err
}

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	return f.err
}

func (f *failingStore) Remove(ctx context.Context, key string) error {
	return f.err
}

func (f *failingStore) Watch(ctx context.Context) (<-chan store.Change, error) {
	return nil, f.err
}

func (f *failingStore) Unwatch(ctx context.Context, ch <-chan store.Change) error {
	return f.err
}

func TestRecordClaimReleaseRoundtrip(t *testing.T) {
	region := store.NewMemory()
	st := region.Handle()
	rec := lock.NewRecord(st)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	if !rec.Claim(ctx, "a", t0) {
		t.Fatal("claim failed")
	}
	if owner, ok := rec.Owner(ctx); !ok || owner != "a" {
		t.Fatalf("owner after claim: %q ok %v", owner, ok)
	}
	if beat := rec.HeartbeatAt(ctx); beat != t0.UnixMilli() {
		t.Fatalf("beat after claim: %d, want %d", beat, t0.UnixMilli())
	}

	rec.Release(ctx, "a")
	if owner, ok := rec.Owner(ctx); ok {
		t.Fatalf("owner still present after release: %q", owner)
	}
	if beat := rec.HeartbeatAt(ctx); beat != 0 {
		t.Fatalf("beat still present after release: %d", beat)
	}
	if region.Len() != 0 {
		t.Fatalf("region not empty after release: %d keys", region.Len())
	}
}

func TestRecordReleaseLeavesForeignOwner(t *testing.T) {
	region := store.NewMemory()
	rec := lock.NewRecord(region.Handle())
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	rec.Claim(ctx, "a", t0)
	rec.Release(ctx, "b")
	if owner, ok := rec.Owner(ctx); !ok || owner != "a" {
		t.Fatalf("release by non-owner touched the record: %q ok %v", owner, ok)
	}
}

func TestRecordClaimWindows(t *testing.T) {
	region := store.NewMemory()
	rec := lock.NewRecord(region.Handle())
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	if !rec.CanClaim(ctx, "a", t0) {
		t.Fatal("empty record must be claimable")
	}
	rec.Claim(ctx, "a", t0)

	// 100ms in, the record is fresh; a rival may not claim it.
	if rec.CanClaim(ctx, "b", t0.Add(100*time.Millisecond)) {
		t.Fatal("fresh record claimable by rival")
	}
	// The owner itself always may.
	if !rec.CanClaim(ctx, "a", t0.Add(100*time.Millisecond)) {
		t.Fatal("owner cannot reclaim its own record")
	}
	// Staleness is strictly past the window.
	if rec.CanClaim(ctx, "b", t0.Add(lock.DefaultStale)) {
		t.Fatal("record claimable exactly at the stale boundary")
	}
	if !rec.CanClaim(ctx, "b", t0.Add(lock.DefaultStale+time.Millisecond)) {
		t.Fatal("abandoned record not claimable")
	}
}

func TestRecordStaleness(t *testing.T) {
	region := store.NewMemory()
	st := region.Handle()
	rec := lock.NewRecord(st, lock.WithStale(2*time.Second))
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	// No beat at all counts as abandoned.
	if !rec.IsStale(ctx, t0) {
		t.Fatal("empty record not stale")
	}

	rec.Claim(ctx, "a", t0)
	if rec.IsStale(ctx, t0.Add(time.Second)) {
		t.Fatal("fresh record reported stale")
	}
	if !rec.IsStale(ctx, t0.Add(3*time.Second)) {
		t.Fatal("old record not reported stale")
	}

	// A beat slot holding garbage counts as no beat.
	if err := st.Set(ctx, lock.DefaultKeys.Beat, "not-a-timestamp"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !rec.IsStale(ctx, t0) {
		t.Fatal("garbage beat not treated as abandoned")
	}
}

func TestRecordCustomKeysAndStale(t *testing.T) {
	region := store.NewMemory()
	st := region.Handle()
	keys := lock.Keys{Owner: "app:lock:owner", Beat: "app:lock:beat"}
	rec := lock.NewRecord(st, lock.WithKeys(keys), lock.WithStale(10*time.Second))
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	if rec.Keys() != keys {
		t.Fatalf("keys: %+v", rec.Keys())
	}
	if rec.Stale() != 10*time.Second {
		t.Fatalf("stale: %v", rec.Stale())
	}

	rec.Claim(ctx, "a", t0)
	if v, ok, _ := st.Get(ctx, "app:lock:owner"); !ok || v != "a" {
		t.Fatalf("owner slot: %q ok %v", v, ok)
	}
	if v, ok, _ := st.Get(ctx, "app:lock:beat"); !ok || v != strconv.FormatInt(t0.UnixMilli(), 10) {
		t.Fatalf("beat slot: %q ok %v", v, ok)
	}
}

func TestRecordDegradedStore(t *testing.T) {
	boom := errors.New("boom")
	var ops []string
	rec := lock.NewRecord(&failingStore{err: boom}, lock.WithDegraded(func(op string, err error) {
		if !errors.Is(err, boom) {
			t.Fatalf("unexpected error in hook: %v", err)
		}
		ops = append(ops, op)
	}))
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	// Reads degrade to absent, which makes the record claimable.
	if owner, ok := rec.Owner(ctx); ok {
		t.Fatalf("owner on failing store: %q", owner)
	}
	if !rec.CanClaim(ctx, "a", t0) {
		t.Fatal("failing store must leave the record claimable")
	}
	// Writes degrade to no-ops and report failure.
	if rec.Claim(ctx, "a", t0) {
		t.Fatal("claim reported success on failing store")
	}
	rec.Release(ctx, "a")

	if len(ops) == 0 {
		t.Fatal("degraded hook never invoked")
	}
	for _, op := range ops {
		if op != "get" && op != "set" && op != "remove" {
			t.Fatalf("unexpected op %q", op)
		}
	}
}
