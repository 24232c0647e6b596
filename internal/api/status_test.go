package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

func newStatusTestServer(t *testing.T) (*StatusServer, *bus.Bus, *registry.Registry) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	reg := registry.New(b, []registry.Config{
		{AttachedName: "A", Hostname: "a.local", Checked: true},
	}, false)
	s := NewStatusServer("127.0.0.1:0", reg, b)
	return s, b, reg
}

func TestHandleDevicesReturnsAllDevices(t *testing.T) {
	s, _, reg := newStatusTestServer(t)
	reg.ApplyDNS("A", "10.0.0.1")

	req := httptest.NewRequest("GET", "/api/v1/devices", nil)
	rec := httptest.NewRecorder()
	s.handleDevices(rec, req)

	require.Equal(t, 200, rec.Code)
	var views []DeviceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "A", views[0].AttachedName)
	require.Equal(t, "10.0.0.1", views[0].IP)
}

func TestHandleDeviceNotFound(t *testing.T) {
	s, _, _ := newStatusTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/devices/ghost", nil)
	rec := httptest.NewRecorder()
	s.handleDevice(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestHandleHealthReportsOK(t *testing.T) {
	s, _, _ := newStatusTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	require.Equal(t, 200, rec.Code)
}

func TestServiceTableTracksZeroconfLifecycle(t *testing.T) {
	s, b, _ := newStatusTestServer(t)

	b.Publish(command.New(command.TypeZeroconf, map[string]any{
		"name":      "svc-a",
		"addresses": []string{"10.0.0.1"},
		"port":      9000,
	}))
	time.Sleep(20 * time.Millisecond)

	snap := s.services.snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "svc-a", snap[0].Name)

	b.Publish(command.New(command.TypeZeroconfRemoved, map[string]any{"name": "svc-a"}))
	time.Sleep(20 * time.Millisecond)

	require.Empty(t, s.services.snapshot())
}

func TestStatusServerNeverOriginatesCommands(t *testing.T) {
	s, b, _ := newStatusTestServer(t)

	commands := make(chan command.Command, 5)
	b.Subscribe(func(c command.Command) {
		commands <- c
	})

	for _, path := range []string{"/api/v1/devices", "/api/v1/services", "/api/v1/health"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		switch path {
		case "/api/v1/devices":
			s.handleDevices(rec, req)
		case "/api/v1/services":
			s.handleServices(rec, req)
		case "/api/v1/health":
			s.handleHealth(rec, req)
		}
	}

	select {
	case <-commands:
		t.Fatal("status endpoint must never publish a command")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRateLimiterMiddlewareRejectsBurstOverLimit(t *testing.T) {
	s, _, _ := newStatusTestServer(t)
	handler := s.rateLimiterMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 25; i++ {
		req := httptest.NewRequest("GET", "/api/v1/devices", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}
