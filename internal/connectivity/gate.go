// Package connectivity debounces network reachability into stable
// transition events for the sync engine.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Quality is the coarse network tier the gate reports.
type Quality int

const (
	QualityNone Quality = iota
	QualityPoor
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	default:
		return "none"
	}
}

// Probe measures current reachability. Implementations belong to the
// platform layer (radio state, captive-portal checks, ping RTT).
type Probe interface {
	Check(ctx context.Context) Quality
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) Quality

func (f ProbeFunc) Check(ctx context.Context) Quality { return f(ctx) }

// Event is one debounced state transition.
type Event struct {
	Quality Quality
	At      time.Time
}

// Gate samples a Probe and reports a quality tier only after it has held
// for the dwell time, so a flapping connection never triggers a retry
// storm. Subscribers receive transitions on conflating channels:
// intermediate states may be coalesced, the final state always arrives.
type Gate struct {
	probe    Probe
	interval time.Duration
	dwell    time.Duration
	logger   *slog.Logger

	mu             sync.Mutex
	current        Quality
	candidate      Quality
	candidateSince time.Time
	subs           []chan Event
}

func NewGate(probe Probe, interval, dwell time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		probe:    probe,
		interval: interval,
		dwell:    dwell,
		logger:   logger,
		current:  QualityNone,
	}
}

// Run samples the probe until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	g.logger.Info("connectivity gate started",
		"interval", g.interval,
		"dwell", g.dwell,
	)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.sample(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("connectivity gate stopping")
			return
		case now := <-ticker.C:
			g.sample(ctx, now)
		}
	}
}

func (g *Gate) sample(ctx context.Context, now time.Time) {
	observed := g.probe.Check(ctx)

	g.mu.Lock()
	if observed != g.candidate {
		g.candidate = observed
		g.candidateSince = now
	}

	if g.candidate == g.current || now.Sub(g.candidateSince) < g.dwell {
		g.mu.Unlock()
		return
	}

	g.current = g.candidate
	event := Event{Quality: g.current, At: now}
	subs := make([]chan Event, len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	g.logger.Info("connectivity changed", "quality", event.Quality)
	for _, ch := range subs {
		publish(ch, event)
	}
}

// publish delivers an event without blocking: a full channel has its
// stale event replaced so a slow consumer misses only intermediate states.
func publish(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Subscribe registers a transition listener. The returned channel holds at
// most one event: the latest stable state.
func (g *Gate) Subscribe() <-chan Event {
	ch := make(chan Event, 1)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

// Quality returns the current debounced tier.
func (g *Gate) Quality() Quality {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Online reports whether any connectivity is currently available.
func (g *Gate) Online() bool {
	return g.Quality() != QualityNone
}
