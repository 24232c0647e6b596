package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

func newDNSTestRegistry(t *testing.T, b *bus.Bus) *registry.Registry {
	t.Helper()
	return registry.New(b, []registry.Config{
		{AttachedName: "A", Hostname: "a.local", Checked: true},
	}, false)
}

func TestDNSLoopPublishesOnlyOnIPChange(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := newDNSTestRegistry(t, b)

	events := make(chan command.Command, 10)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeDNS {
			events <- c
		}
	})

	ip := "10.0.0.1"
	resolve := func(ctx context.Context, host string) ([]string, error) {
		return []string{ip}, nil
	}
	loop := NewDNSLoop(DefaultDNSLoopConfig(), reg, b, resolve)

	loop.pollOnce(context.Background())
	loop.pollOnce(context.Background()) // same ip, must not re-publish

	close(events)
	var got []command.Command
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	require.Equal(t, ip, got[0].String("value"))
}

func TestDNSLoopRepublishesOnIPChange(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := newDNSTestRegistry(t, b)

	events := make(chan command.Command, 10)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeDNS {
			events <- c
		}
	})

	current := "10.0.0.1"
	resolve := func(ctx context.Context, host string) ([]string, error) {
		return []string{current}, nil
	}
	loop := NewDNSLoop(DefaultDNSLoopConfig(), reg, b, resolve)

	loop.pollOnce(context.Background())
	current = "10.0.0.2"
	loop.pollOnce(context.Background())

	close(events)
	var ips []string
	for e := range events {
		ips = append(ips, e.String("value"))
	}
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestDNSLoopCachesLastIPOnFailure(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := newDNSTestRegistry(t, b)

	fail := false
	resolve := func(ctx context.Context, host string) ([]string, error) {
		if fail {
			return nil, errors.New("no such host")
		}
		return []string{"10.0.0.1"}, nil
	}
	loop := NewDNSLoop(DefaultDNSLoopConfig(), reg, b, resolve)

	loop.pollOnce(context.Background())
	fail = true
	loop.pollOnce(context.Background())

	d, ok := reg.Get("A")
	require.True(t, ok)
	require.False(t, d.Resolved)
	require.Equal(t, "10.0.0.1", d.IP)
}

func TestDNSLoopResolvesSubnameAndPublishesDNSSub(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := registry.New(b, []registry.Config{
		{AttachedName: "A", Hostname: "a.local", Subname: "a-sub.local", Checked: true},
	}, false)

	events := make(chan command.Command, 10)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeDNSSub {
			events <- c
		}
	})

	subIP := "10.0.0.9"
	resolve := func(ctx context.Context, host string) ([]string, error) {
		if host == "a-sub.local" {
			return []string{subIP}, nil
		}
		return []string{"10.0.0.1"}, nil
	}
	loop := NewDNSLoop(DefaultDNSLoopConfig(), reg, b, resolve)

	loop.pollOnce(context.Background())
	loop.pollOnce(context.Background()) // same sub ip, must not re-publish

	close(events)
	var got []command.Command
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].String("device"))
	require.Equal(t, subIP, got[0].String("value"))

	d, ok := reg.Get("A")
	require.True(t, ok)
	require.Equal(t, subIP, d.SubIP)
}

func TestDNSLoopSkipsSubnameWhenUnset(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := newDNSTestRegistry(t, b)

	events := make(chan command.Command, 10)
	b.Subscribe(func(c command.Command) {
		if c.Type() == command.TypeDNSSub {
			events <- c
		}
	})

	resolve := func(ctx context.Context, host string) ([]string, error) {
		return []string{"10.0.0.1"}, nil
	}
	loop := NewDNSLoop(DefaultDNSLoopConfig(), reg, b, resolve)
	loop.pollOnce(context.Background())

	close(events)
	var count int
	for range events {
		count++
	}
	require.Zero(t, count)
}

func TestDNSLoopRunStopsOnContextCancel(t *testing.T) {
	b := bus.New()
	defer b.Close()
	reg := newDNSTestRegistry(t, b)

	resolve := func(ctx context.Context, host string) ([]string, error) {
		return []string{"10.0.0.1"}, nil
	}
	cfg := DefaultDNSLoopConfig()
	cfg.Interval = 10 * time.Millisecond
	loop := NewDNSLoop(cfg, reg, b, resolve)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
