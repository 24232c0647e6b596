// Package dispatch implements the Dispatcher (spec §4.6, C6): it
// classifies every command seen on the bus as discovery-internal,
// broadcast, or targeted, enriches it with the device's current
// ip/port/sub_ip, and routes it to the right adapter(s) via the
// Plugin/Adapter Host (C7). Grounded in the same style of a single
// command-bus subscriber fanning out to worker handlers seen in
// internal/orchestrator/orchestrator.go's component dispatch table.
package dispatch

import (
	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

// Host is the subset of the Plugin/Adapter Host (C7) the dispatcher needs.
type Host interface {
	// Deliver hands an enriched command to the named device's adapter.
	// It must not block the dispatcher; implementations queue internally.
	Deliver(device string, cmd command.Command)
}

// Dispatcher subscribes to the bus and routes commands to Host.
type Dispatcher struct {
	reg  *registry.Registry
	bus  *bus.Bus
	host Host
	log  *logger.Logger

	unsubscribe func()
}

// New creates a Dispatcher and subscribes it to the bus.
func New(reg *registry.Registry, b *bus.Bus, host Host) *Dispatcher {
	d := &Dispatcher{
		reg:  reg,
		bus:  b,
		host: host,
		log:  logger.NewComponentLogger("Dispatcher"),
	}
	d.unsubscribe = b.Subscribe(d.onCommand)
	return d
}

// Close unsubscribes the dispatcher from the bus.
func (d *Dispatcher) Close() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
}

func (d *Dispatcher) onCommand(cmd command.Command) {
	typ := cmd.Type()

	// Step 1: drop discovery-internal types.
	if command.DiscoveryInternalTypes[typ] {
		return
	}

	// Step 2: broadcast types go to every checked device with a known ip
	// and port (a cached ip counts even while unresolved) — unless the publisher already stamped an
	// explicit "device" (the last-value replay cache re-delivering a
	// cached broadcast-type payload to a single reconnecting device);
	// that case is targeted, not rebroadcast.
	if command.BroadcastTypes[typ] {
		if target, ok := cmd["device"].(string); ok && target != "" {
			d.deliverToOne(target, cmd)
			return
		}
		for _, dev := range d.reg.Snapshot() {
			if !dev.Checked || dev.IP == "" || dev.Port == 0 {
				continue
			}
			d.deliver(dev, cmd)
		}
		return
	}

	// Step 3: targeted types carry a device field, or alias through
	// health_timeout's "value".
	target := cmd.Device()
	if target == "" {
		return
	}
	d.deliverToOne(target, cmd)
}

// deliverToOne resolves target by attached_name first, then by hostname
// (health_timeout's "value" carries a hostname, not an attached_name),
// and delivers cmd to that device if it is checked and resolved.
func (d *Dispatcher) deliverToOne(target string, cmd command.Command) {
	dev, ok := d.reg.Get(target)
	if !ok {
		dev, ok = d.findByHostname(target)
		if !ok {
			return
		}
	}
	if !dev.Checked || !dev.Resolved {
		return
	}
	d.deliver(dev, cmd)
}

func (d *Dispatcher) findByHostname(hostname string) (registry.Device, bool) {
	for _, dev := range d.reg.Snapshot() {
		if dev.Hostname == hostname {
			return dev, true
		}
	}
	return registry.Device{}, false
}

func (d *Dispatcher) deliver(dev registry.Device, cmd command.Command) {
	enriched := cmd.With(map[string]any{
		"ip":     dev.IP,
		"port":   dev.Port,
		"sub_ip": dev.SubIP,
	})
	d.host.Deliver(dev.AttachedName, enriched)
}
