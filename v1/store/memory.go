package store

import (
	"context"
	"sync"
)

// Memory is an in-process region shared by several MemoryStore handles. It
// stands in for a persistent shared store during tests and standalone runs:
// every simulated context attaches its own handle, and writes through one
// handle are notified to watchers of all the others.
type Memory struct {
	mu      sync.Mutex
	items   map[string]string
	handles []*MemoryStore
}

// NewMemory returns an empty region with no handles attached.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

// Handle attaches a new per-context view of the region.
func (m *Memory) Handle() *MemoryStore {
	h := &MemoryStore{region: m}
	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()
	return h
}

// Len returns the number of keys currently stored in the region.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) get(key string) (string, bool) {
	m.mu.Lock()
	v, ok := m.items[key]
	m.mu.Unlock()
	return v, ok
}

func (m *Memory) set(from *MemoryStore, key, value string) {
	m.mu.Lock()
	m.items[key] = value
	handles := append([]*MemoryStore(nil), m.handles...)
	m.mu.Unlock()
	m.fanout(from, handles, Change{Key: key, Value: value, Present: true})
}

func (m *Memory) remove(from *MemoryStore, key string) {
	m.mu.Lock()
	_, ok := m.items[key]
	delete(m.items, key)
	handles := append([]*MemoryStore(nil), m.handles...)
	m.mu.Unlock()
	if !ok {
		// Removing an absent key mutates nothing, so nobody is told.
		return
	}
	m.fanout(from, handles, Change{Key: key})
}

func (m *Memory) fanout(from *MemoryStore, handles []*MemoryStore, c Change) {
	for _, h := range handles {
		if h != from {
			h.notify(c)
		}
	}
}

// MemoryStore is one handle of a Memory region and implements Store.
type MemoryStore struct {
	region *Memory

	mu       sync.Mutex
	watchers []chan Change
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.region.get(key)
	return v, ok, nil
}

// Set implements Store.Set.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.region.set(s, key, value)
	return nil
}

// Remove implements Store.Remove.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.region.remove(s, key)
	return nil
}

// Watch implements Store.Watch.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Change, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Unwatch(context.Background(), ch)
	}()
	return ch, nil
}

// Unwatch implements Store.Unwatch.
func (s *MemoryStore) Unwatch(ctx context.Context, ch <-chan Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.watchers {
		if c == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			close(c)
			break
		}
	}
	return nil
}

// Batch implements Batcher.Batch. The batch commits under a single region
// lock, so other handles observe either none or all of its writes.
func (s *MemoryStore) Batch(ctx context.Context) (Batch, error) {
	return &memoryBatch{s: s, sets: make(map[string]string)}, nil
}

func (s *MemoryStore) notify(c Change) {
	s.mu.Lock()
	watchers := append([]chan Change(nil), s.watchers...)
	s.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

type memoryBatch struct {
	s       *MemoryStore
	sets    map[string]string
	removes []string
}

func (b *memoryBatch) Set(ctx context.Context, key, value string) error {
	b.sets[key] = value
	return nil
}

func (b *memoryBatch) Remove(ctx context.Context, key string) error {
	b.removes = append(b.removes, key)
	return nil
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	m := b.s.region
	m.mu.Lock()
	var changes []Change
	for _, k := range b.removes {
		if _, ok := m.items[k]; ok {
			delete(m.items, k)
			changes = append(changes, Change{Key: k})
		}
	}
	for k, v := range b.sets {
		m.items[k] = v
		changes = append(changes, Change{Key: k, Value: v, Present: true})
	}
	handles := append([]*MemoryStore(nil), m.handles...)
	m.mu.Unlock()
	for _, c := range changes {
		m.fanout(b.s, handles, c)
	}
	return nil
}
