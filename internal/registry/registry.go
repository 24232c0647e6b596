// Package registry implements the Device Registry (spec §4.1, C1): the
// authoritative per-device state keyed by attached_name. It is mutated
// only by the DNS resolver loop, the mDNS browser, the health engine, and
// the dispatcher's adapter-reply path, and it emits device-change events
// onto the command bus for C10 (last-value replay) and any other
// observer.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
)

// Device is the per-device state owned by the registry (spec §3).
type Device struct {
	AttachedName     string
	Hostname         string
	Subname          string
	AttachedSubname  string
	AdapterRef       string

	IP    string
	Port  int
	SubIP string

	Resolved  bool
	Reachable bool
	Checked   bool

	LastHealthResponseAt time.Time

	// LastSeenSource is a supplemental field (SPEC_FULL §3) surfaced only
	// by the operator status endpoint; no invariant or dispatch decision
	// reads it.
	LastSeenSource string
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (d *Device) snapshot() Device {
	return *d
}

// Config describes a device as declared in the YAML configuration.
type Config struct {
	AttachedName    string
	Hostname        string
	Subname         string
	AttachedSubname string
	AdapterRef      string
	Checked         bool
}

// Registry holds the live device table.
type Registry struct {
	mu               sync.RWMutex
	devices          map[string]*Device
	allowPrefixMatch bool
	bus              *bus.Bus
}

// New creates a Registry seeded from the configured device list.
// allowPrefixMatch resolves spec §9 Open Question (a): by default an
// mDNS service name must match a device's attached_name or hostname
// exactly; a config opt-in allows prefix matching.
func New(b *bus.Bus, devices []Config, allowPrefixMatch bool) *Registry {
	r := &Registry{
		devices:          make(map[string]*Device, len(devices)),
		allowPrefixMatch: allowPrefixMatch,
		bus:              b,
	}
	for _, d := range devices {
		r.devices[d.AttachedName] = &Device{
			AttachedName:    d.AttachedName,
			Hostname:        d.Hostname,
			Subname:         d.Subname,
			AttachedSubname: d.AttachedSubname,
			AdapterRef:      d.AdapterRef,
			Checked:         d.Checked,
		}
	}
	return r
}

// Get returns a snapshot of a single device.
func (r *Registry) Get(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return Device{}, false
	}
	return d.snapshot(), true
}

// Snapshot returns a value copy of every device, for readers that need a
// consistent view (the dispatcher, the operator status endpoint, tests).
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.snapshot())
	}
	return out
}

// Names returns every configured attached_name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for name := range r.devices {
		out = append(out, name)
	}
	return out
}

func endpoint(ip string, port int) string {
	if ip == "" {
		return ""
	}
	if port == 0 {
		return ip
	}
	return ip + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// emitIfChanged fires a device event when (ip, port, resolved) changed,
// per spec §4.1: "Events emitted to subscribers: (name, "ip:port"|∅) on
// any change of (ip, port, resolved)."
func (r *Registry) emitIfChanged(name string, before Device, after *Device) {
	changed := before.IP != after.IP || before.Port != after.Port || before.Resolved != after.Resolved
	if !changed {
		return
	}
	ep := ""
	if after.Resolved {
		ep = endpoint(after.IP, after.Port)
	}
	r.bus.PublishDevice(name, ep)
}

// ApplyDNS applies a DNS resolution result (spec §4.2). ip == "" means
// resolution failed; the last-known ip is retained (cached) but resolved
// becomes false.
func (r *Registry) ApplyDNS(name, ip string) {
	r.mu.Lock()
	d, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := d.snapshot()
	if ip == "" {
		d.Resolved = false
	} else {
		d.IP = ip
		d.Resolved = true
		d.LastSeenSource = "dns"
	}
	after := d.snapshot()
	r.mu.Unlock()

	r.emitIfChanged(name, before, &after)
}

// ApplyDNSSub applies a secondary-hostname DNS resolution result.
func (r *Registry) ApplyDNSSub(name, subIP string) {
	r.mu.Lock()
	d, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.SubIP = subIP
	r.mu.Unlock()
}

// MatchMDNSName resolves an mDNS service name to a configured device name
// using equality, then (if enabled) a prefix test — first against
// attached_name, then against hostname — returning the first match. It
// never matches more than one device to the same service (spec §4.1 / §9
// Open Question (a)).
func (r *Registry) MatchMDNSName(serviceName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.devices {
		if name == serviceName {
			return name, true
		}
	}
	for name, d := range r.devices {
		if d.Hostname == serviceName {
			return name, true
		}
	}
	if !r.allowPrefixMatch {
		return "", false
	}
	for name := range r.devices {
		if strings.HasPrefix(serviceName, name) {
			return name, true
		}
	}
	for name, d := range r.devices {
		if strings.HasPrefix(serviceName, d.Hostname) {
			return name, true
		}
	}
	return "", false
}

// ApplyMDNS records an mDNS-discovered address/port for an already-matched
// device name (spec §4.3).
func (r *Registry) ApplyMDNS(name, ip string, port int) {
	r.mu.Lock()
	d, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := d.snapshot()
	d.IP = ip
	if port != 0 {
		d.Port = port
	}
	d.Resolved = true
	d.LastSeenSource = "mdns"
	after := d.snapshot()
	r.mu.Unlock()

	r.emitIfChanged(name, before, &after)
}

// SetReachable sets the application-health axis directly (used by tests
// and by any future direct health source; the health engine normally uses
// RecordHealthResponse / RecordHealthTimeout below).
func (r *Registry) SetReachable(name string, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		d.Reachable = reachable
	}
}

// SetChecked toggles the user-opt-in gate for health/dispatch.
func (r *Registry) SetChecked(name string, checked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		d.Checked = checked
	}
}

// RecordHealthResponse applies a health_response: reachable := value and
// last_health_response_at := now (spec §4.5 correlation step).
func (r *Registry) RecordHealthResponse(name string, value bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		d.Reachable = value
		d.LastHealthResponseAt = now
	}
}

// RecordHealthTimeout applies a timeout edge: reachable := false and
// last_health_response_at advances to now so only one event fires per
// silent interval (spec §4.5 timeout tick).
func (r *Registry) RecordHealthTimeout(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[name]; ok {
		d.Reachable = false
		d.LastHealthResponseAt = now
	}
}

// ResetHealthClock zeroes last_health_response_at for every device, used
// by the lifecycle controller's restart() (spec §4.11).
func (r *Registry) ResetHealthClock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		d.LastHealthResponseAt = time.Time{}
	}
}

// MarkAllUnresolved clears resolved for every device (ip and port stay
// cached) and emits a device-down (∅) event for each, used by restart()
// before teardown.
func (r *Registry) MarkAllUnresolved() {
	r.mu.Lock()
	names := make([]string, 0, len(r.devices))
	for name, d := range r.devices {
		d.Resolved = false
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.bus.PublishDevice(name, "")
	}
}
