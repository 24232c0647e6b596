// Package adapter implements the Plugin/Adapter Host (spec §4.7, C7) and
// the built-in generic-WebSocket Adapter (spec §4.8, C8). Python's
// PluginManager dynamically imports a .py script per device
// (_examples/original_source/PluginManager.py); Go has no equivalent safe
// dynamic-load story, so adapters are resolved from a small built-in
// factory registry keyed by "kind" instead (see DESIGN.md). The
// per-device queue + dedicated goroutine is grounded in the teacher's
// internal/cloud/connector.go BaseConnector transmission-queue pattern,
// generalized from a retrying transmit loop to a bounded inbound command
// queue so a slow or blocked adapter never stalls the dispatcher.
package adapter

import (
	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

// Reply is the callback an Adapter uses to publish commands back through
// C4. The host forces "device" onto every published command (spec §4.7).
type Reply func(cmd command.Command)

// Adapter is a per-device protocol translator (C8).
type Adapter interface {
	// Init is called once at host startup with this device's reply
	// callback and its static config (the device's YAML block, including
	// adapter-specific keys passed opaquely).
	Init(reply Reply, config map[string]any)
	// Handle is invoked for every enriched command the dispatcher routes
	// to this device. It must not block the host's dispatch goroutine
	// for longer than the adapter's own operation requires; long-running
	// work should be started and return promptly.
	Handle(cmd command.Command)
}

// Factory constructs a fresh Adapter instance for a device.
type Factory func() Adapter

var registry = map[string]Factory{}

// Register adds a named adapter kind to the built-in registry. Called
// from adapter implementation files' init() functions.
func Register(kind string, f Factory) {
	registry[kind] = f
}

// Lookup returns the factory for kind, if registered.
func Lookup(kind string) (Factory, bool) {
	f, ok := registry[kind]
	return f, ok
}

const defaultQueueDepth = 64

// deviceWorker owns one adapter's queue and goroutine.
type deviceWorker struct {
	name    string
	adapter Adapter
	queue   chan command.Command
	done    chan struct{}
	log     *logger.Logger
}

// Host implements dispatch.Host (C7): it owns one adapter per configured
// device and runs each on its own goroutine behind a bounded queue.
type Host struct {
	bus     *bus.Bus
	log     *logger.Logger
	workers map[string]*deviceWorker
}

// DeviceSpec is the per-device adapter configuration resolved from
// config.
type DeviceSpec struct {
	Name   string
	Kind   string
	Config map[string]any
}

// NewHost builds a Host with one worker per spec, stamping "device" onto
// every command each adapter publishes via reply.
func NewHost(b *bus.Bus, specs []DeviceSpec) *Host {
	h := &Host{
		bus:     b,
		log:     logger.NewComponentLogger("AdapterHost"),
		workers: make(map[string]*deviceWorker, len(specs)),
	}

	for _, spec := range specs {
		factory, ok := Lookup(spec.Kind)
		if !ok {
			h.log.Error("no adapter registered for kind %q (device %s)", spec.Kind, spec.Name)
			continue
		}
		a := factory()
		name := spec.Name
		a.Init(func(cmd command.Command) {
			h.bus.Publish(cmd.With(map[string]any{"device": name}))
		}, spec.Config)

		w := &deviceWorker{
			name:    name,
			adapter: a,
			queue:   make(chan command.Command, defaultQueueDepth),
			done:    make(chan struct{}),
			log:     logger.NewComponentLogger("Adapter." + name),
		}
		h.workers[name] = w
		go h.run(w)
	}

	return h
}

func (h *Host) run(w *deviceWorker) {
	defer close(w.done)
	for cmd := range w.queue {
		h.invoke(w, cmd)
	}
}

// invoke calls the adapter's Handle, applying spec §4.6 step 4: an
// adapter panic during a health/health_timeout delivery synthesizes a
// negative health_response so the health engine observes a definite
// result rather than silence.
func (h *Host) invoke(w *deviceWorker, cmd command.Command) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("adapter panicked handling type=%s: %v", cmd.Type(), r)
			if isHealthDelivery(cmd.Type()) {
				h.bus.Publish(command.New(command.TypeHealthResponse, map[string]any{
					"device": w.name,
					"value":  false,
					"msg":    "adapter error",
				}))
			}
		}
	}()
	w.adapter.Handle(cmd)
}

func isHealthDelivery(typ string) bool {
	return typ == command.TypeHealth || typ == command.TypeHealthTimeout
}

// Deliver implements dispatch.Host. A full queue drops the oldest
// command for that device rather than blocking the dispatcher, matching
// the bus's own overload policy.
func (h *Host) Deliver(device string, cmd command.Command) {
	w, ok := h.workers[device]
	if !ok {
		return
	}
	select {
	case w.queue <- cmd:
	default:
		h.log.Warn("adapter queue full for %s, dropping oldest", device)
		select {
		case <-w.queue:
		default:
		}
		select {
		case w.queue <- cmd:
		default:
		}
	}
}

// Shutdown closes every worker's queue and waits for its goroutine to drain.
func (h *Host) Shutdown() {
	for _, w := range h.workers {
		close(w.queue)
	}
	for _, w := range h.workers {
		<-w.done
	}
}
