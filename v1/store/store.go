package store

import "context"

// Change describes a single mutation of the shared store as seen by a
// watcher. Present is false when the key was removed.
type Change struct {
	Key     string
	Value   string
	Present bool
}

// Store abstracts the persistent key-value region shared by every context
// of the same origin. Values are plain strings; callers encode anything
// richer themselves.
//
// Watchers never observe writes performed through their own handle, only
// writes performed by other handles of the same region. This mirrors how
// shared-storage change events behave and is what lets a watcher treat
// every notification as foreign activity.
type Store interface {
	// Get retrieves the value for a key.
	// The boolean return indicates whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores the value for a key.
	Set(ctx context.Context, key string, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Watch subscribes to mutations performed through other handles of the
	// same region. Delivery is best effort: a slow consumer loses
	// notifications rather than blocking writers. The channel receives
	// until the context is canceled or Unwatch is called.
	Watch(ctx context.Context) (<-chan Change, error)
	// Unwatch stops delivery on ch and closes it.
	Unwatch(ctx context.Context, ch <-chan Change) error
}

// Batch groups multiple writes so backends can commit them in one round
// trip.
type Batch interface {
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by stores that support batch operations.
type Batcher interface {
	Batch(ctx context.Context) (Batch, error)
}
