package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

func TestPutAndListDevicesRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	d := registry.Device{
		AttachedName:         "A",
		Hostname:             "a.local",
		IP:                   "10.0.0.1",
		Port:                 9000,
		Resolved:             true,
		Reachable:            true,
		Checked:              true,
		LastHealthResponseAt: time.Now().Truncate(time.Second),
		LastSeenSource:       "mdns",
	}
	require.NoError(t, store.PutDevice(d))

	out, err := store.ListDevices()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, d.AttachedName, out[0].AttachedName)
	require.Equal(t, d.IP, out[0].IP)
	require.Equal(t, d.Port, out[0].Port)
	require.True(t, d.LastHealthResponseAt.Equal(out[0].LastHealthResponseAt))
}

func TestPutDeviceOverwritesPreviousSnapshot(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.PutDevice(registry.Device{AttachedName: "A", IP: "10.0.0.1"}))
	require.NoError(t, store.PutDevice(registry.Device{AttachedName: "A", IP: "10.0.0.2"}))

	out, err := store.ListDevices()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "10.0.0.2", out[0].IP)
}

func TestSyncLoopPersistsRegistrySnapshot(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	b := bus.New()
	defer b.Close()
	reg := registry.New(b, []registry.Config{
		{AttachedName: "A", Hostname: "a.local", Checked: true},
	}, false)
	reg.ApplyDNS("A", "10.0.0.1")

	done := make(chan struct{})
	go store.SyncLoop(done, 10*time.Millisecond, reg)
	time.Sleep(30 * time.Millisecond)
	close(done)

	out, err := store.ListDevices()
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "10.0.0.1", out[0].IP)
}
