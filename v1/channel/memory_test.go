package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

func TestMemoryChannelExcludesPublisher(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Join(), hub.Join()
	ctx := context.Background()

	aCh, err := a.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	bCh, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := a.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-bCh:
		if string(msg.Data) != "hello" {
			t.Fatalf("expected hello, got %q", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	select {
	case msg := <-aCh:
		t.Fatalf("publisher received its own message: %q", msg.Data)
	default:
	}

	if m := a.Metrics(); m.Published != 1 || m.Delivered != 0 {
		t.Fatalf("a metrics: %+v", m)
	}
	if m := b.Metrics(); m.Published != 0 || m.Delivered != 1 {
		t.Fatalf("b metrics: %+v", m)
	}
}

func TestMemoryChannelContextBasedUnsubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ep := hub.Join()
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := ep.Subscribe(subCtx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.subs) != 0 {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestMemoryChannelClose(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Join(), hub.Join()
	ctx := context.Background()

	ch, err := a.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}

	if err := a.Publish(ctx, []byte("x")); !errors.Is(err, wardenerrors.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// A closed endpoint no longer counts as a hub member.
	if err := b.Publish(ctx, []byte("y")); err != nil {
		t.Fatalf("publish after peer close: %v", err)
	}
}

func TestDisabledChannel(t *testing.T) {
	d := NewDisabled()
	ctx := context.Background()

	ch, err := d.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := d.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		t.Fatalf("disabled channel delivered: %q", msg.Data)
	case <-time.After(100 * time.Millisecond):
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}
}
