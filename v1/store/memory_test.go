package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/store"
)

// newRegionPair returns two handles of the same in-process region and a
// context for testing.
func newRegionPair(t *testing.T) (*store.MemoryStore, *store.MemoryStore, context.Context) {
	t.Helper()
	region := store.NewMemory()
	return region.Handle(), region.Handle(), context.Background()
}

func TestMemoryStoreGetSetRemove(t *testing.T) {
	a, b, ctx := newRegionPair(t)
	if err := a.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := b.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %q ok %v err %v", v, ok, err)
	}
	if err := b.Remove(ctx, "foo"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := a.Get(ctx, "foo"); err != nil || ok {
		t.Fatalf("Get after Remove: expected absent, got ok %v err %v", ok, err)
	}
}

func TestMemoryStoreWatchExcludesWriter(t *testing.T) {
	a, b, ctx := newRegionPair(t)
	own, err := a.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch a: %v", err)
	}
	foreign, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch b: %v", err)
	}

	if err := a.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case c := <-foreign:
		if c.Key != "foo" || c.Value != "bar" || !c.Present {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("foreign watcher did not receive the change")
	}

	select {
	case c := <-own:
		t.Fatalf("writer received its own change: %+v", c)
	default:
	}
}

func TestMemoryStoreWatchRemove(t *testing.T) {
	a, b, ctx := newRegionPair(t)
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Removing a key that was never set mutates nothing and stays silent.
	if err := a.Remove(ctx, "ghost"); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected change for absent key: %+v", c)
	default:
	}

	if err := a.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	<-ch
	if err := a.Remove(ctx, "foo"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	select {
	case c := <-ch:
		if c.Key != "foo" || c.Present {
			t.Fatalf("expected removal of foo, got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive the removal")
	}
}

func TestMemoryStoreUnwatchOnContextCancel(t *testing.T) {
	a, b, _ := newRegionPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if err := a.Set(context.Background(), "foo", "bar"); err != nil {
					t.Fatalf("Set after cancel: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after context cancel")
		}
	}
}

func TestMemoryStoreBatchCommit(t *testing.T) {
	a, b, ctx := newRegionPair(t)
	if err := a.Set(ctx, "old", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ch, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	batch, err := a.Batch(ctx)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := batch.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Batch Set: %v", err)
	}
	if err := batch.Remove(ctx, "old"); err != nil {
		t.Fatalf("Batch Remove: %v", err)
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if v, ok, _ := b.Get(ctx, "foo"); !ok || v != "bar" {
		t.Fatalf("Get foo after commit: got %q ok %v", v, ok)
	}
	if _, ok, _ := b.Get(ctx, "old"); ok {
		t.Fatal("old still present after commit")
	}

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case c := <-ch:
			got[c.Key] = c.Present
		case <-time.After(time.Second):
			t.Fatalf("missing batch changes, got %v", got)
		}
	}
	if !got["foo"] || got["old"] {
		t.Fatalf("unexpected batch changes: %v", got)
	}
}
