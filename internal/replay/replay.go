// Package replay implements Last-Value Replay (spec §4.9/§4.10, C10): a
// single-slot cache per replayed command type that re-delivers its most
// recent payload to a device the moment it transitions from unreachable
// to reachable (the ∅→endpoint edge on the device subscriber channel).
// Grounded in the teacher's subscriber-registration style in
// internal/desktop/visualizer/websocket.go, repointed from WebSocket
// clients onto the command bus's device-event channel.
package replay

import (
	"sync"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
)

// ReplayedTypes is the set of command types cached for replay. The spec
// names file name explicitly ("Caches selected commands (file name)");
// broadcastGlos shares the same wire meaning (SetName) so it is cached
// under the same rule.
var ReplayedTypes = map[string]bool{
	command.TypeFileName:      true,
	command.TypeBroadcastGlos: true,
}

// Cache holds the last value of each replayed type, independent of device,
// and re-publishes it (enriched with the now-reachable device's identity)
// whenever that device reconnects.
type Cache struct {
	bus *bus.Bus

	mu   sync.Mutex
	last map[string]command.Command // type -> last command seen
	up   map[string]bool            // device -> last event carried an endpoint

	unsubCmd    func()
	unsubDevice func()
}

// New creates a Cache and wires it to the bus.
func New(b *bus.Bus) *Cache {
	c := &Cache{
		bus:  b,
		last: make(map[string]command.Command),
	}
	c.unsubCmd = b.Subscribe(c.onCommand)
	c.unsubDevice = b.SubscribeDevices(c.onDevice)
	return c
}

// Close unsubscribes from the bus.
func (c *Cache) Close() {
	if c.unsubCmd != nil {
		c.unsubCmd()
	}
	if c.unsubDevice != nil {
		c.unsubDevice()
	}
}

func (c *Cache) onCommand(cmd command.Command) {
	if !ReplayedTypes[cmd.Type()] {
		return
	}
	c.mu.Lock()
	c.last[cmd.Type()] = cmd.Clone()
	c.mu.Unlock()
}

// onDevice replays every cached type to name the moment it transitions
// ∅→endpoint (spec §4.9's "reconnect" trigger).
func (c *Cache) onDevice(name, endpoint string) {
	c.mu.Lock()
	wasUp := c.up[name]
	if c.up == nil {
		c.up = make(map[string]bool)
	}
	c.up[name] = endpoint != ""
	if endpoint == "" || wasUp {
		c.mu.Unlock()
		return
	}
	cached := make([]command.Command, 0, len(c.last))
	for _, cmd := range c.last {
		cached = append(cached, cmd)
	}
	c.mu.Unlock()

	for _, cmd := range cached {
		c.bus.Publish(cmd.With(map[string]any{"device": name}))
	}
}
