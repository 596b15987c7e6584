package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/presets"
	"github.com/mirkobrombin/go-warden/v1/store"
)

func main() {
	n := flag.Int("guards", 5, "Number of contending guards")
	stagger := flag.Duration("stagger", 25*time.Millisecond, "Delay between starts")
	settle := flag.Duration("settle", 2*time.Second, "Wait before counting states")
	heartbeat := flag.Duration("heartbeat", 200*time.Millisecond, "Guard heartbeat interval")
	stale := flag.Duration("stale", time.Second, "Staleness window")
	flag.Parse()

	ctx := context.Background()
	region := store.NewMemory()
	hub := channel.NewMemoryHub()

	guards := make([]*guard.Guard, *n)
	for i := range guards {
		g, err := presets.NewStandalone(region, hub, guard.Options{
			Heartbeat: *heartbeat,
			Stale:     *stale,
		})
		if err != nil {
			log.Fatalf("guard %d: %v", i, err)
		}
		guards[i] = g
	}

	for i, g := range guards {
		if err := g.Start(ctx); err != nil {
			log.Fatalf("[guard %d] start: %v", i, err)
		}
		time.Sleep(*stagger)
	}
	time.Sleep(*settle)

	winner := -1
	active := 0
	for i, g := range guards {
		log.Printf("[guard %d] %s (%s)", i, g.State(), g.Identity())
		if g.State() == guard.StateActive {
			winner = i
			active++
		}
	}
	switch {
	case active > 1:
		log.Printf("FAIL: %d guards active, want 1", active)
		os.Exit(1)
	case active == 0:
		log.Printf("FAIL: no guard won the record")
		os.Exit(1)
	}
	log.Printf("single active guard: %d", winner)

	// Blocked guards stay blocked after the winner leaves; only a fresh
	// guard may take the released record.
	guards[winner].Stop(ctx)
	time.Sleep(*settle)
	for i, g := range guards {
		if i != winner && g.State() != guard.StateBlocked {
			log.Printf("FAIL: [guard %d] %s after winner stopped, want blocked", i, g.State())
			os.Exit(1)
		}
	}

	late, err := presets.NewStandalone(region, hub, guard.Options{
		Heartbeat: *heartbeat,
		Stale:     *stale,
	})
	if err != nil {
		log.Fatalf("late guard: %v", err)
	}
	if err := late.Start(ctx); err != nil {
		log.Fatalf("late guard start: %v", err)
	}
	if late.State() != guard.StateActive {
		log.Printf("FAIL: late guard %s, want active", late.State())
		os.Exit(1)
	}
	log.Printf("late guard took the released record")

	late.Stop(ctx)
	for _, g := range guards {
		g.Stop(ctx)
	}
	log.Printf("PASS")
}
