// Package prober implements the Latency Prober: a side channel that
// issues timed round-trips tagged with the test's current stage, without
// perturbing a concurrently running bulk transfer.
package prober

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"

	"github.com/aimtest/aimtest/pkg/model"
)

// tokenExpiry is how long an outstanding probe is given to be echoed back
// before it is abandoned and counted as unmatched.
const tokenExpiry = 2 * time.Second

// degradedThreshold is the number of consecutive send failures that
// raises a ProbeDegraded warning.
const degradedThreshold = 5

// Sender writes a Ping for the given token and monotonic send time onto
// the connection's side channel. The Prober is transport-agnostic; the
// caller supplies this to actually put bytes on the wire.
type Sender func(token uint32, sentAt time.Time) error

type outstanding struct {
	token  uint32
	sentAt time.Time
}

// Prober issues probes at a jittered cadence for one stage and matches
// replies by token, tolerating reordering and loss.
type Prober struct {
	stage     model.Stage
	send      Sender
	cadence   memoryless.Config
	sampleCap int

	mu          sync.Mutex
	outstanding *outstanding
	nextToken   uint32

	samplesMu   sync.Mutex
	samples     []model.LatencySample
	sampleCount atomic.Int32

	consecutiveFailures int
	unmatchedExpired    int
	degraded            atomic.Bool

	filled     chan struct{}
	filledOnce sync.Once
}

// New returns a Prober tagging every sample with stage, sending probes
// via send at the given cadence, and capping the number of samples kept.
func New(stage model.Stage, send Sender, cadence memoryless.Config, sampleCap int) *Prober {
	return &Prober{
		stage:     stage,
		send:      send,
		cadence:   cadence,
		sampleCap: sampleCap,
		filled:    make(chan struct{}),
	}
}

// Filled returns a channel closed once sampleCap samples have been
// recorded. If sampleCap is 0 (unbounded), the channel is never closed.
func (p *Prober) Filled() <-chan struct{} {
	return p.filled
}

// Degraded reports whether this Prober has crossed the consecutive-failure
// threshold for a ProbeDegraded warning.
func (p *Prober) Degraded() bool {
	return p.degraded.Load()
}

// Samples returns a copy of the samples recorded so far, in record order.
func (p *Prober) Samples() []model.LatencySample {
	p.samplesMu.Lock()
	defer p.samplesMu.Unlock()
	out := make([]model.LatencySample, len(p.samples))
	copy(out, p.samples)
	return out
}

// Run drives the probe loop until ctx is done. It never returns early on
// send errors; errors degrade the stage (see Degraded) rather than abort
// it, per the no-exceptions-for-control-flow policy.
func (p *Prober) Run(ctx context.Context) {
	t, err := memoryless.NewTicker(ctx, p.cadence)
	if err != nil {
		// Only reachable with a hand-authored invalid cadence; there is no
		// sensible per-probe recovery, so this is a startup-time bug.
		log.Error("prober: invalid cadence configuration", "stage", p.stage, "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.tick()
		}
	}
}

func (p *Prober) tick() {
	p.mu.Lock()
	if p.full() {
		p.mu.Unlock()
		return
	}
	if p.outstanding != nil {
		if time.Since(p.outstanding.sentAt) < tokenExpiry {
			// Previous probe still outstanding: skip this tick, no queuing.
			p.mu.Unlock()
			return
		}
		// Expired: discard and bump the counter.
		p.unmatchedExpired++
		p.outstanding = nil
	}
	p.nextToken++
	tok := p.nextToken
	sentAt := time.Now()
	p.outstanding = &outstanding{token: tok, sentAt: sentAt}
	p.mu.Unlock()

	if err := p.send(tok, sentAt); err != nil {
		p.mu.Lock()
		p.outstanding = nil
		p.consecutiveFailures++
		degraded := p.consecutiveFailures >= degradedThreshold
		p.mu.Unlock()
		if degraded {
			p.degraded.Store(true)
		}
		log.Debug("prober: send failed", "stage", p.stage, "error", err)
	}
}

// OnPong matches an inbound Pong against the outstanding probe by token
// and, on a match, records a sample. Pongs for unknown or expired tokens
// are ignored.
func (p *Prober) OnPong(token uint32, receivedAt time.Time) {
	p.mu.Lock()
	if p.outstanding == nil || p.outstanding.token != token {
		p.mu.Unlock()
		return
	}
	sentAt := p.outstanding.sentAt
	p.outstanding = nil
	p.consecutiveFailures = 0
	p.mu.Unlock()

	rtt := receivedAt.Sub(sentAt)
	if rtt < 0 {
		return
	}
	sample := model.LatencySample{
		Seq:       token,
		RTTMillis: float64(rtt.Microseconds()) / 1000.0,
		Stage:     p.stage,
		SentAt:    sentAt,
	}
	p.samplesMu.Lock()
	defer p.samplesMu.Unlock()
	if p.full() {
		return
	}
	p.samples = append(p.samples, sample)
	if p.sampleCount.Add(1) >= int32(p.sampleCap) && p.sampleCap > 0 {
		p.filledOnce.Do(func() { close(p.filled) })
	}
}

func (p *Prober) full() bool {
	return p.sampleCap > 0 && int(p.sampleCount.Load()) >= p.sampleCap
}
