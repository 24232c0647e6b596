package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/jandersen-uva/mocap-coordinator/internal/adapter"
	"github.com/jandersen-uva/mocap-coordinator/internal/api"
	"github.com/jandersen-uva/mocap-coordinator/internal/bridge"
	"github.com/jandersen-uva/mocap-coordinator/internal/bus"
	"github.com/jandersen-uva/mocap-coordinator/internal/config"
	"github.com/jandersen-uva/mocap-coordinator/internal/discovery"
	"github.com/jandersen-uva/mocap-coordinator/internal/dispatch"
	"github.com/jandersen-uva/mocap-coordinator/internal/health"
	"github.com/jandersen-uva/mocap-coordinator/internal/ingress"
	"github.com/jandersen-uva/mocap-coordinator/internal/lifecycle"
	"github.com/jandersen-uva/mocap-coordinator/internal/logger"
	"github.com/jandersen-uva/mocap-coordinator/internal/registry"
	"github.com/jandersen-uva/mocap-coordinator/internal/replay"
	"github.com/jandersen-uva/mocap-coordinator/internal/storage"
)

const (
	defaultConfigPath = "/etc/mocap-coordinator/config.yaml"
	version           = "1.0.0"
)

var (
	configPath  = flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	showHelp    = flag.Bool("help", false, "Show help information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mocap-coordinator v%s\n", version)
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC: %v", r)
			log.Printf("Stack trace:\n%s", debug.Stack())
			os.Exit(1)
		}
	}()

	log.Printf("Loading configuration from: %s", *configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Initialize(cfg.Logging.File, cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	logger.Info("=== mocap-coordinator v%s ===", version)
	logger.Info("Configuration loaded: %d devices", len(cfg.Devices))

	ctrl, cleanup, err := build(cfg)
	if err != nil {
		logger.Error("Failed to build coordinator: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("Failed to start coordinator: %v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	ctrl.Shutdown()

	logger.Info("mocap-coordinator exited cleanly")
}

func build(cfg *config.Config) (*lifecycle.Controller, func(), error) {
	b := bus.New()

	devices := make([]registry.Config, 0, len(cfg.Devices))
	specs := make([]adapter.DeviceSpec, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		devices = append(devices, registry.Config{
			AttachedName:    dc.AttachedName,
			Hostname:        dc.Hostname,
			Subname:         dc.Subname,
			AttachedSubname: dc.AttachedSubname,
			AdapterRef:      dc.Script,
			Checked:         dc.IsChecked(),
		})
		adapterCfg := make(map[string]any, len(dc.Extra)+1)
		for k, v := range dc.Extra {
			adapterCfg[k] = v
		}
		specs = append(specs, adapter.DeviceSpec{
			Name:   dc.AttachedName,
			Kind:   dc.Script,
			Config: adapterCfg,
		})
	}

	reg := registry.New(b, devices, cfg.Discovery.AllowPrefixMatch)

	dnsLoop := discovery.NewDNSLoop(discovery.DefaultDNSLoopConfig(), reg, b, nil)

	mdnsCfg := discovery.DefaultMDNSBrowseConfig()
	if cfg.Discovery.ServiceType != "" {
		mdnsCfg.ServiceType = cfg.Discovery.ServiceType
	}
	mdnsBrowser := discovery.NewMDNSBrowser(mdnsCfg, reg, b, nil, nil)

	healthCfg := health.DefaultConfig()
	if cfg.Health.PeriodSeconds > 0 {
		healthCfg.Period = secondsToDuration(cfg.Health.PeriodSeconds)
	}
	if cfg.Health.GraceSeconds > 0 {
		healthCfg.Grace = secondsToDuration(cfg.Health.GraceSeconds)
	}
	healthEngine := health.New(healthCfg, reg, b)

	host := adapter.NewHost(b, specs)
	disp := dispatch.New(reg, b, host)
	replayCache := replay.New(b)

	httpAddr := net.JoinHostPort(cfg.Server.HTTPAddr, strconv.Itoa(cfg.Server.HTTPPort))
	httpSrv := ingress.NewHTTPServer(httpAddr, b)

	wsAddr := net.JoinHostPort(cfg.Server.WSAddr, strconv.Itoa(cfg.Server.WSPort))
	wsSrv := ingress.NewWebSocketServer(wsAddr, b)

	var br *bridge.Bridge
	if cfg.ListenServer != nil {
		br = bridge.New(bridge.Config{URI: cfg.ListenServer.URI}, b)
	}

	var statusSrv *api.StatusServer
	if cfg.Server.StatusPort != 0 {
		statusAddr := net.JoinHostPort(cfg.Server.StatusAddr, strconv.Itoa(cfg.Server.StatusPort))
		statusSrv = api.NewStatusServer(statusAddr, reg, b)
		statusSrv.Start()
	}

	var store *storage.SnapshotStore
	if cfg.Storage.Enabled {
		s, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		store = s
	}

	ctrl := lifecycle.New(lifecycle.Deps{
		Registry:     reg,
		DNSLoop:      dnsLoop,
		MDNSBrowser:  mdnsBrowser,
		HealthEngine: healthEngine,
		HTTPIngress:  httpSrv,
		WSIngress:    wsSrv,
		Bridge:       br,
		AdapterHost:  host,
	})

	cleanup := func() {
		disp.Close()
		replayCache.Close()
		healthEngine.Close()
		if statusSrv != nil {
			statusSrv.Stop()
		}
		if store != nil {
			store.Close()
		}
		b.Close()
	}

	return ctrl, cleanup, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func printHelp() {
	fmt.Printf("mocap-coordinator v%s\n\n", version)
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n\n", os.Args[0])
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println("\nDescription:")
	fmt.Println("  mocap-coordinator discovers a fixed set of motion-capture devices,")
	fmt.Println("  relays recording commands to them, and monitors their liveness.")
	fmt.Println("\nExamples:")
	fmt.Printf("  %s\n", os.Args[0])
	fmt.Printf("  %s --config /path/to/config.yaml\n", os.Args[0])
	fmt.Printf("  %s --version\n", os.Args[0])
}
