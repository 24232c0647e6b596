// Package lifecycle implements the Lifecycle Controller (spec §4.11, C11):
// it starts/stops/restarts C2, C3, C5, and C9 as a unit and owns the
// shutdown protocol. Grounded in the teacher's
// internal/orchestrator/orchestrator.go Run/initializeComponents/
// shutdown structure, narrowed from that file's general Component-health
// supervision down to the ordered start/observable-restart/shutdown
// contract this spec requires.
package lifecycle

import (
	"context"
	"sync"

	"github.com/jandersen-uva/mocap-coordinator/internal/adapter"
	"github.com/jandersen-uva/mocap-coordinator/internal/bridge"
	"github.com/jandersen-uva/mocap-coordinator/internal/discovery"
	"github.com/jandersen-uva/mocap-coordinator/internal/health"
	"github.com/jandersen-uva/mocap-coordinator/internal/ingress"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

// Controller owns the loops and listeners that make up the live system.
type Controller struct {
	log *logger.Logger

	reg      *registry.Registry
	dnsLoop  *discovery.DNSLoop
	mdns     *discovery.MDNSBrowser
	healthEg *health.Engine
	http     *ingress.HTTPServer
	ws       *ingress.WebSocketServer
	bridge   *bridge.Bridge
	host     *adapter.Host

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the components a Controller coordinates. Bridge is nil
// when no listen_server is configured.
type Deps struct {
	Registry     *registry.Registry
	DNSLoop      *discovery.DNSLoop
	MDNSBrowser  *discovery.MDNSBrowser
	HealthEngine *health.Engine
	HTTPIngress  *ingress.HTTPServer
	WSIngress    *ingress.WebSocketServer
	Bridge       *bridge.Bridge
	AdapterHost  *adapter.Host
}

// New creates a Controller from its dependencies.
func New(d Deps) *Controller {
	return &Controller{
		log:      logger.NewComponentLogger("Lifecycle"),
		reg:      d.Registry,
		dnsLoop:  d.DNSLoop,
		mdns:     d.MDNSBrowser,
		healthEg: d.HealthEngine,
		http:     d.HTTPIngress,
		ws:       d.WSIngress,
		bridge:   d.Bridge,
		host:     d.AdapterHost,
	}
}

// Start brings up C2, C3's browser/sweeper, C9's listeners, and C5 in
// that order (spec §4.11).
func (c *Controller) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dnsLoop.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.mdns.Run(ctx)
	}()

	if err := c.ws.Start(); err != nil {
		cancel()
		return err
	}
	c.http.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.healthEg.Run(ctx)
	}()

	if c.bridge != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.bridge.Run(ctx)
		}()
	}

	c.log.Info("lifecycle controller started")
	return nil
}

// Restart is an observable operation: before teardown it publishes
// zeroconf_removed for every known service and a device-down event (∅)
// for every device, resets all last_health_response_at to 0, then tears
// down and re-runs Start (spec §4.11).
func (c *Controller) Restart(parent context.Context) error {
	c.log.Info("restart requested")

	c.mdns.ResetKnown()
	c.reg.MarkAllUnresolved()
	c.healthEg.ResetClocks()

	c.teardown()

	return c.Start(parent)
}

// Shutdown halts all loops and closes all listeners; subscribers are not
// notified (spec §4.11).
func (c *Controller) Shutdown() {
	c.log.Info("shutdown requested")
	c.teardown()
	if c.host != nil {
		c.host.Shutdown()
	}
}

func (c *Controller) teardown() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.http.Stop()
	c.ws.Stop()
	c.wg.Wait()
}
