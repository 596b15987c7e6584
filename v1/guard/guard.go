package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/store"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/guard")

// ErrNoStore is returned by New when no store is configured.
var ErrNoStore = errors.New("warden: store required")

// ErrAlreadyStarted is returned by Start on a guard that is no longer
// unstarted.
var ErrAlreadyStarted = errors.New("warden: guard already started")

// DefaultHeartbeat is the refresh period used when none is configured.
const DefaultHeartbeat = 1500 * time.Millisecond

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	// Store is the shared persistent store holding the lock record.
	// Required.
	Store store.Store
	// Channel is the broadcast transport for the presence probe. Nil
	// disables the probe without affecting the rest of the protocol.
	Channel channel.Channel
	// Keys overrides the store slots of the lock record.
	Keys lock.Keys
	// Heartbeat is the refresh period while the lock is held.
	Heartbeat time.Duration
	// Stale is the window after which an unrefreshed record counts as
	// abandoned. It must comfortably exceed Heartbeat or a live owner will
	// be judged dead between two refreshes.
	Stale time.Duration
	// OnBlock runs exactly once, on the first transition to Blocked.
	OnBlock func()
	// OnStatus receives a short human-readable line on every notable
	// transition or degradation. Useful for surfacing guard health in an
	// application's own UI or logs.
	OnStatus func(status string)
	// Tracing enables OpenTelemetry spans around Start, Stop and every
	// heartbeat tick.
	Tracing bool
}

// Guard enforces single-instance execution for one context. Construct it
// with New, arm it with Start, and tear it down with Stop.
type Guard struct {
	id        string
	st        store.Store
	ch        channel.Channel
	rec       *lock.Record
	heartbeat time.Duration
	onBlock   func()
	onStatus  func(string)
	tracing   bool

	mu        sync.Mutex
	state     State
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	blockOnce sync.Once

	now func() time.Time
}

// New returns an unstarted Guard with a fresh identity.
func New(opts Options) (*Guard, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	stale := opts.Stale
	if stale <= 0 {
		stale = lock.DefaultStale
	}
	if 3*heartbeat > stale {
		slog.Warn("warden: stale window below three heartbeats, scheduling jitter may get a live owner judged abandoned",
			"heartbeat", heartbeat, "stale", stale)
	}
	ch := opts.Channel
	if ch == nil {
		ch = channel.NewDisabled()
	}
	g := &Guard{
		id:        newIdentity(),
		st:        opts.Store,
		ch:        ch,
		heartbeat: heartbeat,
		onBlock:   opts.OnBlock,
		onStatus:  opts.OnStatus,
		tracing:   opts.Tracing,
		state:     StateUnstarted,
		now:       time.Now,
	}
	g.rec = lock.NewRecord(opts.Store,
		lock.WithKeys(opts.Keys),
		lock.WithStale(stale),
		lock.WithDegraded(g.storeDegraded),
	)
	return g, nil
}

// newIdentity builds the instance identity: the wall-clock millisecond of
// creation plus a random suffix, unique across contexts with overwhelming
// probability. The timestamp prefix makes identities sortable by birth in
// logs.
func newIdentity() string {
	suffix, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand failed; the nanosecond clock is enough entropy for a
		// cooperative protocol.
		return fmt.Sprintf("%d-%x", time.Now().UnixMilli(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix[:8])
}

// Identity returns the string this instance writes to the owner slot.
func (g *Guard) Identity() string {
	return g.id
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Record exposes the lock record for inspection.
func (g *Guard) Record() *lock.Record {
	return g.rec
}

func (g *Guard) status(s string) {
	if g.onStatus != nil {
		g.onStatus(s)
	}
}

// storeDegraded is the record's degradation hook.
func (g *Guard) storeDegraded(op string, err error) {
	metrics.StoreErrorCounter.Inc()
	g.status("storage unavailable: " + err.Error())
}

// Start evaluates ownership once and either claims the lock, arming the
// heartbeat loop, the presence probe and the storage listener, or settles
// into Blocked immediately. A blocked start is a normal outcome, not an
// error: the guard writes nothing and waits to be stopped.
func (g *Guard) Start(ctx context.Context) error {
	var span trace.Span
	if g.tracing {
		ctx, span = tracer.Start(ctx, "Guard.Start",
			trace.WithAttributes(attribute.String("warden.guard.identity", g.id)))
		defer span.End()
	}

	g.mu.Lock()
	if g.state != StateUnstarted {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.mu.Unlock()

	now := g.now()
	if !g.rec.CanClaim(ctx, g.id, now) {
		owner, _ := g.rec.Owner(ctx)
		g.block("start", "blocked: rival owner "+owner)
		if g.tracing {
			span.SetAttributes(attribute.String("warden.guard.state", g.State().String()))
		}
		return nil
	}
	g.rec.Claim(ctx, g.id, now)

	g.mu.Lock()
	if g.state != StateUnstarted {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.state = StateActive
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.mu.Unlock()

	metrics.AcquiredCounter.Inc()
	metrics.ActiveGauge.Inc()
	g.status("lock acquired")
	if g.tracing {
		span.SetAttributes(attribute.String("warden.guard.state", StateActive.String()))
	}

	g.wg.Add(1)
	go g.heartbeatLoop()
	g.bindWatch()
	g.bindProbe()
	g.sendPing(ctx)
	return nil
}

func (g *Guard) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.tick()
		case <-g.ctx.Done():
			return
		}
	}
}

// tick is one heartbeat: detect a live rival, or reassert ownership and
// refresh the beat. Reasserting heals records that lost their owner slot
// to a cleared store or a crashed rival.
func (g *Guard) tick() {
	ctx := context.Background()
	var span trace.Span
	if g.tracing {
		ctx, span = tracer.Start(ctx, "Guard.Tick",
			trace.WithAttributes(attribute.String("warden.guard.identity", g.id)))
		defer span.End()
	}

	g.mu.Lock()
	if g.state != StateActive {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	now := g.now()
	owner, ok := g.rec.Owner(ctx)
	if ok && owner != g.id && !g.rec.IsStale(ctx, now) {
		if g.tracing {
			span.SetAttributes(attribute.String("warden.guard.result", "blocked"))
		}
		g.block("heartbeat", "blocked: rival owner "+owner)
		return
	}
	if g.rec.Claim(ctx, g.id, now) {
		metrics.HeartbeatCounter.Inc()
	}
	if g.tracing {
		span.SetAttributes(attribute.String("warden.guard.result", "reasserted"))
	}
}

// bindWatch subscribes to store change notifications. The subscription is
// bound to the guard context and dies with it.
func (g *Guard) bindWatch() {
	ch, err := g.st.Watch(g.ctx)
	if err != nil {
		g.status("storage watch unavailable: " + err.Error())
		return
	}
	g.wg.Add(1)
	go g.watchLoop(ch)
}

func (g *Guard) watchLoop(ch <-chan store.Change) {
	defer g.wg.Done()
	ownerKey := g.rec.Keys().Owner
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.Key == ownerKey && c.Present && c.Value != g.id {
				g.block("watch", "blocked: storage claimed by "+c.Value)
			}
		case <-g.ctx.Done():
			return
		}
	}
}

// block transitions to Blocked from Unstarted or Active and disarms every
// trigger. Later calls are no-ops: the first trigger to observe a rival
// wins and the state is terminal.
func (g *Guard) block(trigger, status string) {
	g.mu.Lock()
	if g.state == StateBlocked || g.state == StateStopped {
		g.mu.Unlock()
		return
	}
	wasActive := g.state == StateActive
	g.state = StateBlocked
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasActive {
		metrics.ActiveGauge.Dec()
	}
	metrics.BlockedCounter.WithLabelValues(trigger).Inc()
	slog.Info("warden: "+status, "identity", g.id, "trigger", trigger)

	g.blockOnce.Do(func() {
		g.status(status)
		if g.onBlock != nil {
			g.onBlock()
		}
	})
}

// Stop disarms every trigger, closes the channel endpoint and releases the
// lock if this instance still owns it. It is idempotent and safe to call
// from teardown paths in any state; a guard that never owned the lock
// leaves the record untouched.
func (g *Guard) Stop(ctx context.Context) {
	var span trace.Span
	if g.tracing {
		ctx, span = tracer.Start(ctx, "Guard.Stop",
			trace.WithAttributes(attribute.String("warden.guard.identity", g.id)))
		defer span.End()
	}

	g.mu.Lock()
	if g.state == StateStopped {
		g.mu.Unlock()
		return
	}
	prev := g.state
	g.state = StateStopped
	cancel := g.cancel
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
	_ = g.ch.Close()

	if prev == StateActive {
		g.rec.Release(ctx, g.id)
		metrics.ActiveGauge.Dec()
		g.status("lock released")
	}
	if g.tracing {
		span.SetAttributes(attribute.String("warden.guard.prev_state", prev.String()))
	}
}
