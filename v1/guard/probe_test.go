package guard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/store"
)

// expectFrame waits for one probe frame on sub and decodes it.
func expectFrame(t *testing.T, sub <-chan channel.Message) probeMessage {
	t.Helper()
	select {
	case m := <-sub:
		var pm probeMessage
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			t.Fatalf("bad frame %q: %v", m.Data, err)
		}
		return pm
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
	return probeMessage{}
}

func TestGuardPublishesPingOnStart(t *testing.T) {
	hub := channel.NewMemoryHub()
	ctx := context.Background()

	raw := hub.Join()
	sub, err := raw.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	g, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Stop(ctx) })
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pm := expectFrame(t, sub)
	if pm.Type != probePing || pm.From != g.Identity() {
		t.Fatalf("frame %+v, want ping from %s", pm, g.Identity())
	}
}

func TestGuardProbeBlocksNewcomer(t *testing.T) {
	// Two guards with unrelated stores can only discover each other over
	// the channel. The newcomer's ping draws a pong and blocks it.
	hub := channel.NewMemoryHub()
	ctx := context.Background()

	a, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	t.Cleanup(func() { a.Stop(ctx) })
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if a.State() != StateActive {
		t.Fatalf("a state %v, want active", a.State())
	}

	b, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	t.Cleanup(func() { b.Stop(ctx) })
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start b: %v", err)
	}

	waitState(t, b, StateBlocked)
	if a.State() != StateActive {
		t.Fatalf("a state %v, want active", a.State())
	}
}

func TestGuardActivePongsOnPing(t *testing.T) {
	hub := channel.NewMemoryHub()
	ctx := context.Background()

	g, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Stop(ctx) })
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw := hub.Join()
	t.Cleanup(func() { raw.Close() })
	sub, err := raw.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ping, _ := json.Marshal(probeMessage{Type: probePing, From: "tester"})
	if err := raw.Publish(ctx, ping); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pm := expectFrame(t, sub)
	if pm.Type != probePong || pm.From != g.Identity() {
		t.Fatalf("frame %+v, want pong from %s", pm, g.Identity())
	}
	if g.State() != StateActive {
		t.Fatalf("state %v, want active", g.State())
	}
}

func TestGuardBlockedNeverPongs(t *testing.T) {
	hub := channel.NewMemoryHub()
	ctx := context.Background()

	g, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Stop(ctx) })
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.block("heartbeat", "blocked: rival owner x")

	raw := hub.Join()
	t.Cleanup(func() { raw.Close() })
	sub, err := raw.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ping, _ := json.Marshal(probeMessage{Type: probePing, From: "tester"})
	if err := raw.Publish(ctx, ping); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-sub:
		t.Fatalf("unexpected frame %q from blocked guard", m.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestGuardIgnoresMalformedAndSelfFrames(t *testing.T) {
	hub := channel.NewMemoryHub()
	ctx := context.Background()

	g, err := New(Options{Store: store.NewMemory().Handle(), Channel: hub.Join(), Heartbeat: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Stop(ctx) })
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	raw := hub.Join()
	t.Cleanup(func() { raw.Close() })
	sub, err := raw.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_ = raw.Publish(ctx, []byte("not json"))
	anon, _ := json.Marshal(probeMessage{Type: probePing})
	_ = raw.Publish(ctx, anon)
	self, _ := json.Marshal(probeMessage{Type: probePong, From: g.Identity()})
	_ = raw.Publish(ctx, self)

	// A genuine ping afterwards still draws a pong, so the loop survived
	// the garbage and the self pong did not block us.
	ping, _ := json.Marshal(probeMessage{Type: probePing, From: "tester"})
	if err := raw.Publish(ctx, ping); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	pm := expectFrame(t, sub)
	if pm.Type != probePong || pm.From != g.Identity() {
		t.Fatalf("frame %+v, want pong from %s", pm, g.Identity())
	}
	if g.State() != StateActive {
		t.Fatalf("state %v, want active", g.State())
	}
}
