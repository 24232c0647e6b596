// Package command defines the bus record type shared by every producer and
// consumer of the coordinator's command bus (ingress servers, discovery
// loops, the health engine, the dispatcher, and adapters).
package command

// Discovery-internal types never reach an adapter (spec §4.6 step 1).
const (
	TypeDNS             = "dns"
	TypeDNSSub          = "dns_sub"
	TypeZeroconf        = "zeroconf"
	TypeZeroconfRemoved = "zeroconf_removed"
)

// Broadcast types apply to every checked device with a known ip and port.
const (
	TypeRecordStart   = "recordStart"
	TypeRecordStop    = "recordStop"
	TypeFileName      = "fileName"
	TypeBroadcastGlos = "broadcastGlos"
	TypeSetPath       = "setPath"
)

// Health protocol types.
const (
	TypeHealth         = "health"
	TypeHealthResponse = "health_response"
	TypeHealthTimeout  = "health_timeout"
)

// BroadcastTypes is the set from spec §4.6 step 2.
var BroadcastTypes = map[string]bool{
	TypeRecordStart:   true,
	TypeRecordStop:    true,
	TypeFileName:      true,
	TypeBroadcastGlos: true,
	TypeSetPath:       true,
}

// DiscoveryInternalTypes is the set dropped by the dispatcher in step 1.
var DiscoveryInternalTypes = map[string]bool{
	TypeDNS:             true,
	TypeDNSSub:          true,
	TypeZeroconf:        true,
	TypeZeroconfRemoved: true,
}

// Command is an open, tagged record: "type" plus a free-form payload.
// The set of types is open by design (spec §3) — unknown types propagate
// untouched through the bus and the dispatcher.
type Command map[string]any

// New creates a Command of the given type with the supplied fields merged in.
func New(typ string, fields map[string]any) Command {
	c := make(Command, len(fields)+1)
	for k, v := range fields {
		c[k] = v
	}
	c["type"] = typ
	return c
}

// Type returns the command's "type" field, or "" if absent/non-string.
func (c Command) Type() string {
	s, _ := c["type"].(string)
	return s
}

// Device returns the targeted device name. health_timeout historically
// carries its target under "value" (spec §9 Open Question (b)); callers
// should emit "device" and tolerate "value" as an alias, which is what
// this accessor does.
func (c Command) Device() string {
	if s, ok := c["device"].(string); ok && s != "" {
		return s
	}
	if c.Type() == TypeHealthTimeout {
		if s, ok := c["value"].(string); ok {
			return s
		}
	}
	return ""
}

// String fetches a string-valued field.
func (c Command) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool fetches a bool-valued field.
func (c Command) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// With returns a shallow copy of c with the given fields merged in,
// overwriting any existing keys. Used to enrich commands for dispatch.
func (c Command) With(fields map[string]any) Command {
	out := make(Command, len(c)+len(fields))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of c.
func (c Command) Clone() Command {
	return c.With(nil)
}
