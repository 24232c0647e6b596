package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
)

func newTestRegistry(t *testing.T, allowPrefix bool) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	reg := New(b, []Config{
		{AttachedName: "A", Hostname: "a.local", Checked: true},
		{AttachedName: "B", Hostname: "b.local", Checked: true},
	}, allowPrefix)
	return reg, b
}

func TestApplyDNSSetsResolvedAndIP(t *testing.T) {
	reg, _ := newTestRegistry(t, false)

	reg.ApplyDNS("A", "10.0.0.5")

	d, ok := reg.Get("A")
	require.True(t, ok)
	require.True(t, d.Resolved)
	require.Equal(t, "10.0.0.5", d.IP)
}

func TestApplyDNSFailureCachesLastIP(t *testing.T) {
	reg, _ := newTestRegistry(t, false)

	reg.ApplyDNS("A", "10.0.0.5")
	reg.ApplyDNS("A", "")

	d, ok := reg.Get("A")
	require.True(t, ok)
	require.False(t, d.Resolved)
	require.Equal(t, "10.0.0.5", d.IP, "ip must remain cached after resolution loss")
}

func TestResolvedImpliesNonEmptyIP(t *testing.T) {
	reg, _ := newTestRegistry(t, false)
	reg.ApplyDNS("A", "10.0.0.5")

	for _, d := range reg.Snapshot() {
		if d.Resolved {
			require.NotEmpty(t, d.IP)
		}
	}
}

func TestDeviceEventsFireOnlyOnChange(t *testing.T) {
	reg, b := newTestRegistry(t, false)

	events := make(chan string, 10)
	b.SubscribeDevices(func(name, endpoint string) {
		events <- endpoint
	})

	reg.ApplyDNS("A", "10.0.0.5")
	reg.ApplyDNS("A", "10.0.0.5") // no change, must not re-fire

	time.Sleep(20 * time.Millisecond)
	close(events)

	var got []string
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 1, "no duplicate device events for an unchanged (ip, resolved) pair")
}

func TestMatchMDNSNameExactBeforePrefix(t *testing.T) {
	reg, _ := newTestRegistry(t, true)

	name, ok := reg.MatchMDNSName("A")
	require.True(t, ok)
	require.Equal(t, "A", name)
}

func TestMatchMDNSNamePrefixRequiresOptIn(t *testing.T) {
	reg, _ := newTestRegistry(t, false)

	_, ok := reg.MatchMDNSName("A-studio-1")
	require.False(t, ok, "prefix match must be disabled by default")
}

func TestMatchMDNSNamePrefixWhenEnabled(t *testing.T) {
	reg, _ := newTestRegistry(t, true)

	name, ok := reg.MatchMDNSName("A-studio-1")
	require.True(t, ok)
	require.Equal(t, "A", name)
}

func TestRecordHealthTimeoutSetsUnreachable(t *testing.T) {
	reg, _ := newTestRegistry(t, false)
	reg.ApplyDNS("A", "10.0.0.5")
	reg.RecordHealthResponse("A", true, time.Now())

	reg.RecordHealthTimeout("A", time.Now())

	d, _ := reg.Get("A")
	require.False(t, d.Reachable)
}

func TestMarkAllUnresolvedEmitsEmptyEndpoint(t *testing.T) {
	reg, b := newTestRegistry(t, false)
	reg.ApplyDNS("A", "10.0.0.5")

	events := make(chan string, 10)
	b.SubscribeDevices(func(name, endpoint string) {
		events <- endpoint
	})

	reg.MarkAllUnresolved()

	select {
	case e := <-events:
		require.Equal(t, "", e)
	case <-time.After(time.Second):
		t.Fatal("expected a device-down event")
	}
}
