// Package discovery implements C2 (DNS Resolver Loop) and C3 (mDNS
// Browser) from spec §4.2/§4.3, grounded in the teacher's
// internal/discovery/mdns.go query pattern, generalized from a one-shot
// scan into the two persistent loops this coordinator needs.
package discovery

import (
	"context"
	"net"
	"time"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

// Resolver is LookupHost's shape, substitutable in tests.
type Resolver func(ctx context.Context, host string) ([]string, error)

func defaultResolver(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// DNSLoopConfig configures C2.
type DNSLoopConfig struct {
	Interval time.Duration // default 2s, spec §4.2
	Timeout  time.Duration // per-lookup timeout, default 1s
}

// DefaultDNSLoopConfig mirrors the 2s poll interval in
// PineappleListener.py's _dns_poll_loop.
func DefaultDNSLoopConfig() DNSLoopConfig {
	return DNSLoopConfig{Interval: 2 * time.Second, Timeout: time.Second}
}

// DNSLoop polls each configured device's hostname (and, if present, its
// secondary subname) and applies the result to the registry, publishing
// "dns"/"dns_sub" commands on the bus only when the resolution changes
// (spec §4.2's edge-triggered publish).
type DNSLoop struct {
	cfg      DNSLoopConfig
	reg      *registry.Registry
	bus      *bus.Bus
	resolve  Resolver
	log      *logger.Logger
	lastIP   map[string]string
	lastSub  map[string]string
}

// NewDNSLoop creates a DNSLoop. Pass nil for resolve to use net.DefaultResolver.
func NewDNSLoop(cfg DNSLoopConfig, reg *registry.Registry, b *bus.Bus, resolve Resolver) *DNSLoop {
	if resolve == nil {
		resolve = defaultResolver
	}
	return &DNSLoop{
		cfg:     cfg,
		reg:     reg,
		bus:     b,
		resolve: resolve,
		log:     logger.NewComponentLogger("DNSLoop"),
		lastIP:  make(map[string]string),
		lastSub: make(map[string]string),
	}
}

// Run blocks, polling until ctx is cancelled.
func (l *DNSLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollOnce(ctx)
		}
	}
}

func (l *DNSLoop) pollOnce(ctx context.Context) {
	for _, dev := range l.reg.Snapshot() {
		l.resolveOne(ctx, dev.AttachedName, dev.Hostname, false)
		if dev.Subname != "" {
			l.resolveOne(ctx, dev.AttachedName, dev.Subname, true)
		}
	}
}

func (l *DNSLoop) resolveOne(ctx context.Context, name, hostname string, sub bool) {
	lctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	ip := ""
	addrs, err := l.resolve(lctx, hostname)
	if err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}

	last := l.lastIP
	typ := command.TypeDNS
	if sub {
		last = l.lastSub
		typ = command.TypeDNSSub
	}

	if last[name] == ip {
		if sub {
			l.reg.ApplyDNSSub(name, ip)
		} else {
			l.reg.ApplyDNS(name, ip)
		}
		return
	}
	last[name] = ip

	if sub {
		l.reg.ApplyDNSSub(name, ip)
	} else {
		l.reg.ApplyDNS(name, ip)
	}

	l.bus.Publish(command.New(typ, map[string]any{
		"device": name,
		"value":  ip,
	}))
}
