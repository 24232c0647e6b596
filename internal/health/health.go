// Package health implements the Health Engine (spec §4.5, C5): a probe
// tick that asks every eligible device for a liveness check, and an
// independent, faster timeout tick that edge-triggers exactly one
// health_timeout per silent interval. Grounded in the teacher's
// internal/orchestrator/orchestrator.go healthMonitorLoop shape (two
// independent tickers driving a shared state map under a lock).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

// Config holds H (period) and G (grace), spec §4.5 defaults.
type Config struct {
	Period time.Duration // H, default 2.0s
	Grace  time.Duration // G, default 0.5-1.0s
}

// DefaultConfig returns H=2s, G=750ms (midpoint of the spec's 0.5-1.0s band).
func DefaultConfig() Config {
	return Config{Period: 2 * time.Second, Grace: 750 * time.Millisecond}
}

// Engine runs the probe and timeout ticks.
type Engine struct {
	cfg Config
	reg *registry.Registry
	bus *bus.Bus
	log *logger.Logger

	mu           sync.Mutex
	lastResponse map[string]time.Time

	unsubscribe func()
}

// New creates an Engine. It starts observing health_response commands
// immediately; call Run to start the ticks.
func New(cfg Config, reg *registry.Registry, b *bus.Bus) *Engine {
	e := &Engine{
		cfg:          cfg,
		reg:          reg,
		bus:          b,
		log:          logger.NewComponentLogger("HealthEngine"),
		lastResponse: make(map[string]time.Time),
	}
	e.unsubscribe = b.Subscribe(e.onCommand)
	return e
}

// Close unsubscribes from the bus. Callers should stop Run's context first.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (e *Engine) onCommand(cmd command.Command) {
	if cmd.Type() != command.TypeHealthResponse {
		return
	}
	name := cmd.Device()
	if name == "" {
		return
	}
	value := cmd.Bool("value")
	now := time.Now()

	e.mu.Lock()
	e.lastResponse[name] = now
	e.mu.Unlock()

	e.reg.RecordHealthResponse(name, value, now)
}

// ResetClocks zeroes every tracked last-response time, used by the
// lifecycle controller's restart() (spec §4.11).
func (e *Engine) ResetClocks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.lastResponse {
		e.lastResponse[k] = time.Time{}
	}
	e.reg.ResetHealthClock()
}

// Run blocks, driving the probe and timeout ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	probeTicker := time.NewTicker(e.cfg.Period)
	timeoutTicker := time.NewTicker(e.cfg.Period / 2)
	defer probeTicker.Stop()
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			e.probeTick()
		case <-timeoutTicker.C:
			e.timeoutTick()
		}
	}
}

func (e *Engine) probeTick() {
	for _, d := range e.reg.Snapshot() {
		if d.IP == "" || !d.Checked {
			continue
		}
		e.bus.Publish(command.New(command.TypeHealth, map[string]any{
			"device": d.AttachedName,
		}))
	}
}

// timeoutTick implements the edge-triggered check: a device is declared
// silent only if more than Period+Grace has elapsed since the most
// recently recorded response at the moment of this check, and advancing
// last_health_response_at to now guarantees the next tick won't re-fire
// for the same silence (spec §4.5).
func (e *Engine) timeoutTick() {
	now := time.Now()
	deadline := e.cfg.Period + e.cfg.Grace

	for _, d := range e.reg.Snapshot() {
		if !d.Resolved || !d.Checked {
			continue
		}

		e.mu.Lock()
		last, ok := e.lastResponse[d.AttachedName]
		if !ok {
			last = time.Time{}
		}
		silent := last.IsZero() || now.Sub(last) > deadline
		if silent {
			e.lastResponse[d.AttachedName] = now
		}
		e.mu.Unlock()

		if !silent {
			continue
		}

		e.reg.RecordHealthTimeout(d.AttachedName, now)
		e.bus.Publish(command.New(command.TypeHealthTimeout, map[string]any{
			"value": d.Hostname,
		}))
	}
}
