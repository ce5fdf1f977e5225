package transport

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/ryandielhenn/membership/internal/telemetry"
	"github.com/ryandielhenn/membership/pkg/gossip"
)

// Lossy discards each send with probability rate, reporting success to the
// caller. The draw is made per call.
type Lossy struct {
	next    gossip.Transport
	rate    float64
	draw    func() float64
	dropped atomic.Uint64
}

// WithDropRate wraps next. rate is clamped to [0, 1].
func WithDropRate(next gossip.Transport, rate float64) *Lossy {
	rate = min(max(rate, 0), 1)
	return &Lossy{next: next, rate: rate, draw: rand.Float64}
}

func (l *Lossy) Send(ctx context.Context, to gossip.Id, msg gossip.Message) error {
	if l.rate > 0 && l.draw() < l.rate {
		l.dropped.Add(1)
		telemetry.PacketsDropped.Inc()
		return nil
	}
	return l.next.Send(ctx, to, msg)
}

// Dropped is how many sends were discarded so far.
func (l *Lossy) Dropped() uint64 { return l.dropped.Load() }

func (l *Lossy) Rate() float64 { return l.rate }
