// Package bus implements the in-process command bus (spec §4.4, C4): a
// single publish/subscribe point that every ingress transport, discovery
// loop, the health engine, and adapter replies all publish onto, and that
// the dispatcher and observers (registry, health engine, last-value
// replay) subscribe to.
//
// The dispatch loop is grounded in the same register/unregister/broadcast
// channel shape as internal/desktop/visualizer/websocket.go's WebSocketHub
// in the teacher repo, generalized from WebSocket clients to arbitrary
// command and device-event subscribers.
package bus

import (
	"sync"

	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
)

// Handler receives every command published on the bus, in publication order.
type Handler func(command.Command)

// DeviceHandler receives device presence transitions. endpoint is "" when
// the device has gone unreachable/unresolved (the ∅ case in spec §4.1).
type DeviceHandler func(name, endpoint string)

// Bus is a re-entrant, serializing command bus. A single background
// goroutine drains a queue and fans each command out to the subscriber
// list registered at the time of that command's publication turn; a
// subscriber may publish new commands while being invoked — those
// publications are queued and processed after the current fan-out
// completes, never recursively (spec §4.4).
type Bus struct {
	log *logger.Logger

	queue chan command.Command

	mu         sync.RWMutex
	handlers   []Handler
	devHandler []DeviceHandler

	stop chan struct{}
	done chan struct{}
}

// New creates a Bus and starts its dispatch loop.
func New() *Bus {
	b := &Bus{
		log:   logger.NewComponentLogger("Bus"),
		queue: make(chan command.Command, 4096),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a command handler and returns an unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers = append(append([]Handler{}, b.handlers[:idx]...), b.handlers[idx+1:]...)
		}
	}
}

// SubscribeDevices registers a device-event handler.
func (b *Bus) SubscribeDevices(h DeviceHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devHandler = append(b.devHandler, h)
	idx := len(b.devHandler) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.devHandler) {
			b.devHandler = append(append([]DeviceHandler{}, b.devHandler[:idx]...), b.devHandler[idx+1:]...)
		}
	}
}

// Publish enqueues cmd for delivery. It never blocks the calling
// subscriber indefinitely: the queue is deep, and a full queue drops
// the oldest rather than stalling the publisher forever (see DESIGN.md).
func (b *Bus) Publish(cmd command.Command) {
	select {
	case b.queue <- cmd:
	default:
		b.log.Warn("command queue full, dropping oldest to admit type=%s", cmd.Type())
		select {
		case <-b.queue:
		default:
		}
		select {
		case b.queue <- cmd:
		default:
		}
	}
}

// PublishDevice delivers a device presence transition synchronously, on
// the caller's goroutine, to every device subscriber; it does not go
// through the command queue.
func (b *Bus) PublishDevice(name, endpoint string) {
	b.mu.RLock()
	handlers := append([]DeviceHandler{}, b.devHandler...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.safeDeviceCall(h, name, endpoint)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case cmd := <-b.queue:
			b.dispatch(cmd)
		}
	}
}

func (b *Bus) dispatch(cmd command.Command) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, cmd)
	}
}

func (b *Bus) safeCall(h Handler, cmd command.Command) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked handling type=%s: %v", cmd.Type(), r)
		}
	}()
	h(cmd)
}

func (b *Bus) safeDeviceCall(h DeviceHandler, name, endpoint string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("device subscriber panicked for %s: %v", name, r)
		}
	}()
	h(name, endpoint)
}

// Close stops the dispatch loop. Queued commands are discarded; subscribers
// are not notified (mirrors the lifecycle controller's shutdown contract).
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}
