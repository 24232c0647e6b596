package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/adapter"
	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/discovery"
	"github.com/jandersen-uva/mocap-coordinator/internal/health"
	"github.com/jandersen-uva/mocap-coordinator/internal/ingress"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

func newTestController(t *testing.T) (*Controller, *bus.Bus, *registry.Registry) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	reg := registry.New(b, []registry.Config{
		{AttachedName: "A", Hostname: "a.local", Checked: true},
	}, false)

	dnsCfg := discovery.DefaultDNSLoopConfig()
	dnsCfg.Interval = 50 * time.Millisecond
	resolve := func(ctx context.Context, host string) ([]string, error) {
		return []string{"10.0.0.1"}, nil
	}
	dnsLoop := discovery.NewDNSLoop(dnsCfg, reg, b, resolve)

	mdnsCfg := discovery.DefaultMDNSBrowseConfig()
	mdnsCfg.BrowseEvery = 50 * time.Millisecond
	mdnsCfg.ProbeEvery = 50 * time.Millisecond
	query := func(ctx context.Context, serviceType string, entries chan<- *mdns.ServiceEntry) error {
		entries <- &mdns.ServiceEntry{Name: "A._mocap._tcp.local.", AddrV4: []byte{10, 0, 0, 1}, Port: 9000}
		return nil
	}
	dial := func(ctx context.Context, addr string) error { return nil }
	mdnsBrowser := discovery.NewMDNSBrowser(mdnsCfg, reg, b, query, dial)

	healthEngine := health.New(health.Config{Period: 50 * time.Millisecond, Grace: 10 * time.Millisecond}, reg, b)
	t.Cleanup(healthEngine.Close)

	httpSrv := ingress.NewHTTPServer("127.0.0.1:0", b)
	wsSrv := ingress.NewWebSocketServer("127.0.0.1:0", b)

	host := adapter.NewHost(b, nil)
	t.Cleanup(host.Shutdown)

	ctrl := New(Deps{
		Registry:     reg,
		DNSLoop:      dnsLoop,
		MDNSBrowser:  mdnsBrowser,
		HealthEngine: healthEngine,
		HTTPIngress:  httpSrv,
		WSIngress:    wsSrv,
		AdapterHost:  host,
	})
	return ctrl, b, reg
}

func TestStartBringsUpAllLoops(t *testing.T) {
	ctrl, b, reg := newTestController(t)

	zc := make(chan command.Command, 5)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeZeroconf {
			zc <- c
		}
	})

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Shutdown()

	select {
	case <-zc:
	case <-time.After(time.Second):
		t.Fatal("expected mdns browse loop to publish zeroconf after Start")
	}

	require.Eventually(t, func() bool {
		d, ok := reg.Get("A")
		return ok && d.Resolved
	}, time.Second, 10*time.Millisecond)
}

func TestRestartIsObservable(t *testing.T) {
	ctrl, b, reg := newTestController(t)
	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Shutdown()

	require.Eventually(t, func() bool {
		d, ok := reg.Get("A")
		return ok && d.Resolved
	}, time.Second, 10*time.Millisecond)

	removed := make(chan command.Command, 5)
	deviceDown := make(chan string, 5)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeZeroconfRemoved {
			removed <- c
		}
	})
	b.SubscribeDevices(func(name, endpoint string) {
		if endpoint == "" {
			deviceDown <- name
		}
	})

	require.NoError(t, ctrl.Restart(context.Background()))

	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("restart must publish zeroconf_removed for known services before teardown")
	}

	select {
	case name := <-deviceDown:
		require.Equal(t, "A", name)
	case <-time.After(time.Second):
		t.Fatal("restart must publish a device-down event before teardown")
	}
}

func TestShutdownStopsLoopsWithoutNotifying(t *testing.T) {
	ctrl, b, _ := newTestController(t)
	require.NoError(t, ctrl.Start(context.Background()))

	removed := make(chan command.Command, 5)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeZeroconfRemoved {
			removed <- c
		}
	})

	ctrl.Shutdown()

	select {
	case <-removed:
		t.Fatal("plain shutdown must not emit zeroconf_removed the way restart does")
	case <-time.After(100 * time.Millisecond):
	}
}
