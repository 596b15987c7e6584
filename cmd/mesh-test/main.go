package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/store"
)

// Manual harness for the UDP mesh probe. Start one copy per machine, or
// per terminal with distinct ports, and watch the later nodes block as
// soon as an earlier one answers their ping.
func main() {
	id := flag.Int("id", 0, "Node ID")
	port := flag.Int("port", 7788, "Mesh Port")
	advertise := flag.String("adv", "", "Advertise Address")
	peer := flag.String("peer", "", "Seed Peer")
	flag.Parse()

	opts := channel.MeshOptions{
		Port:          *port,
		AdvertiseAddr: *advertise,
	}
	if *peer != "" {
		opts.Peers = []string{*peer}
	}

	ch, err := channel.NewMeshChannel(opts)
	if err != nil {
		log.Fatalf("[Node %d] mesh: %v", *id, err)
	}

	g, err := guard.New(guard.Options{
		Store:   store.NewMemory().Handle(),
		Channel: ch,
		OnBlock: func() { log.Printf("[Node %d] blocked: a rival answered the probe", *id) },
	})
	if err != nil {
		log.Fatalf("[Node %d] guard: %v", *id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := g.Start(ctx); err != nil {
		log.Fatalf("[Node %d] start: %v", *id, err)
	}
	log.Printf("[Node %d] state: %s identity: %s", *id, g.State(), g.Identity())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Monitor peers
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := ch.Metrics()
				log.Printf("[Node %d] Known peers: %v (published=%d delivered=%d)",
					*id, ch.Peers(), m.Published, m.Delivered)
			}
		}
	}()

	// Monitor state transitions
	go func() {
		last := g.State()
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if s := g.State(); s != last {
					log.Printf("[Node %d] state: %s", *id, s)
					last = s
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}()

	<-sigCh
	log.Printf("[Node %d] Shutting down...", *id)
	g.Stop(context.Background())
}
