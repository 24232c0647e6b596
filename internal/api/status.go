// Package api implements the read-only Operator Status Endpoint
// (SPEC_FULL §4.12): a diagnostic window onto C1 (registry) and C3
// (mDNS service table). It never originates commands. Grounded in the
// teacher's internal/api/server.go router/middleware shape (gorilla/mux,
// golang.org/x/time/rate per-IP limiting, CORS, JSON helpers).
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/command"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
)

// ServiceSnapshot is one entry of the mDNS service table exposed by
// GET /api/v1/services.
type ServiceSnapshot struct {
	Name       string            `json:"name"`
	Addresses  []string          `json:"addresses"`
	Port       int               `json:"port"`
	Properties map[string]string `json:"properties"`
}

// serviceTable tracks the last zeroconf/zeroconf_removed events seen on
// the bus, independent of the mDNS browser's internal state, so the
// status endpoint has no direct dependency on C3.
type serviceTable struct {
	mu       sync.RWMutex
	services map[string]ServiceSnapshot
}

func newServiceTable(b *bus.Bus) *serviceTable {
	t := &serviceTable{services: make(map[string]ServiceSnapshot)}
	b.Subscribe(t.onCommand)
	return t
}

func (t *serviceTable) onCommand(cmd command.Command) {
	switch cmd.Type() {
	case command.TypeZeroconf:
		name := cmd.String("name")
		if name == "" {
			return
		}
		addrs, _ := cmd["addresses"].([]string)
		port, _ := cmd["port"].(int)
		props, _ := cmd["properties"].(map[string]string)
		t.mu.Lock()
		t.services[name] = ServiceSnapshot{Name: name, Addresses: addrs, Port: port, Properties: props}
		t.mu.Unlock()
	case command.TypeZeroconfRemoved:
		name := cmd.String("name")
		t.mu.Lock()
		delete(t.services, name)
		t.mu.Unlock()
	}
}

func (t *serviceTable) snapshot() []ServiceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ServiceSnapshot, 0, len(t.services))
	for _, s := range t.services {
		out = append(out, s)
	}
	return out
}

// DeviceView is the JSON shape returned for a device.
type DeviceView struct {
	AttachedName         string    `json:"attached_name"`
	Hostname             string    `json:"hostname"`
	IP                   string    `json:"ip"`
	Port                 int       `json:"port"`
	SubIP                string    `json:"sub_ip"`
	Resolved             bool      `json:"resolved"`
	Reachable            bool      `json:"reachable"`
	Checked              bool      `json:"checked"`
	LastHealthResponseAt time.Time `json:"last_health_response_at"`
	LastSeenSource       string    `json:"last_seen_source"`
}

func toView(d registry.Device) DeviceView {
	return DeviceView{
		AttachedName:         d.AttachedName,
		Hostname:             d.Hostname,
		IP:                   d.IP,
		Port:                 d.Port,
		SubIP:                d.SubIP,
		Resolved:             d.Resolved,
		Reachable:            d.Reachable,
		Checked:              d.Checked,
		LastHealthResponseAt: d.LastHealthResponseAt,
		LastSeenSource:       d.LastSeenSource,
	}
}

// StatusServer serves the operator status endpoint.
type StatusServer struct {
	addr     string
	reg      *registry.Registry
	services *serviceTable
	log      *logger.Logger
	server   *http.Server

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewStatusServer builds a StatusServer bound to addr.
func NewStatusServer(addr string, reg *registry.Registry, b *bus.Bus) *StatusServer {
	s := &StatusServer{
		addr:     addr,
		reg:      reg,
		services: newServiceTable(b),
		log:      logger.NewComponentLogger("StatusAPI"),
		limiters: make(map[string]*rate.Limiter),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/devices", s.handleDevices).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/devices/{name}", s.handleDevice).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/services", s.handleServices).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	handler := s.corsMiddleware(s.rateLimiterMiddleware(s.loggingMiddleware(router)))

	s.server = &http.Server{Addr: addr, Handler: handler}
	return s
}

// Start begins serving in a background goroutine.
func (s *StatusServer) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("status api server stopped: %v", err)
		}
	}()
}

// Stop gracefully shuts down the listener.
func (s *StatusServer) Stop() {
	_ = s.server.Close()
}

func (s *StatusServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.reg.Snapshot()
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, toView(d))
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *StatusServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	d, ok := s.reg.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "device not found")
		return
	}
	respondJSON(w, http.StatusOK, toView(d))
}

func (s *StatusServer) handleServices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.services.snapshot())
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// corsMiddleware allows any origin, matching the teacher's local-dashboard
// posture.
func (s *StatusServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// rateLimiterMiddleware applies a per-remote-IP token bucket, the same
// shape as the teacher's internal/api/server.go rateLimiterMiddleware.
func (s *StatusServer) rateLimiterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiterFor(r.RemoteAddr)
		if !limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *StatusServer) limiterFor(addr string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10), 20)
		s.limiters[addr] = l
	}
	return l
}
