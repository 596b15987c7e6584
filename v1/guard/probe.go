package guard

import (
	"context"
	"encoding/json"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

const (
	probePing = "ping"
	probePong = "pong"
)

// probeMessage is the wire form of the presence probe. Anything on the
// channel that does not parse into one is ignored; the channel may be
// shared with other application traffic.
type probeMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// bindProbe subscribes to the broadcast channel. The subscription is bound
// to the guard context and dies with it, so a blocked or stopped guard
// never answers another ping.
func (g *Guard) bindProbe() {
	ch, err := g.ch.Subscribe(g.ctx)
	if err != nil {
		g.status("presence probe unavailable: " + err.Error())
		return
	}
	g.wg.Add(1)
	go g.probeLoop(ch)
}

func (g *Guard) probeLoop(ch <-chan channel.Message) {
	defer g.wg.Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.handleProbe(msg.Data)
		case <-g.ctx.Done():
			return
		}
	}
}

// handleProbe reacts to one broadcast frame. A ping from a rival is
// answered with a pong while we are active; a pong from a rival is
// conclusive evidence that a live owner exists and blocks us immediately,
// regardless of what the lock record says.
func (g *Guard) handleProbe(data []byte) {
	var m probeMessage
	if err := json.Unmarshal(data, &m); err != nil || m.From == "" || m.From == g.id {
		return
	}
	switch m.Type {
	case probePing:
		if g.State() != StateActive {
			return
		}
		g.sendPong(context.Background())
	case probePong:
		g.block("probe", "blocked: pong from "+m.From)
	}
}

// sendPing asks whether any other live instance is out there. Sent once on
// start; every active rival answers with a pong.
func (g *Guard) sendPing(ctx context.Context) {
	data, err := json.Marshal(probeMessage{Type: probePing, From: g.id})
	if err != nil {
		return
	}
	if err := g.ch.Publish(ctx, data); err != nil {
		g.status("presence probe unavailable: " + err.Error())
		return
	}
	metrics.ProbePingCounter.Inc()
}

func (g *Guard) sendPong(ctx context.Context) {
	data, err := json.Marshal(probeMessage{Type: probePong, From: g.id})
	if err != nil {
		return
	}
	if g.ch.Publish(ctx, data) == nil {
		metrics.ProbePongCounter.Inc()
	}
}
