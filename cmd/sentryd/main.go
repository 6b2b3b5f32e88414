// Command sentryd is the sentryd intrusion detection daemon: it captures
// traffic on a network interface, scores it for anomalies and signature
// matches, and installs firewall blocks for sources judged dangerous.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/atailh4n/sentryd/internal/archive"
	"github.com/atailh4n/sentryd/internal/cache"
	"github.com/atailh4n/sentryd/internal/capture"
	"github.com/atailh4n/sentryd/internal/config"
	"github.com/atailh4n/sentryd/internal/detector"
	"github.com/atailh4n/sentryd/internal/eventbus"
	"github.com/atailh4n/sentryd/internal/firewall"
	"github.com/atailh4n/sentryd/internal/geoenrich"
	"github.com/atailh4n/sentryd/internal/monitor"
	"github.com/atailh4n/sentryd/internal/signature"
	"github.com/atailh4n/sentryd/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	preset := flag.String("preset", "", "Configuration preset (light, standard, aggressive)")
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("sentryd v%s (commit: %s)\n", version, commit)
		fmt.Printf("Go version: %s\n", runtime.Version())
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("Starting sentryd v%s", version)

	cfg, err := loadConfiguration(*configPath, *preset)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	det := detector.NewDetector(cfg.ModelDir)
	if err := det.Load(cfg.ModelPath); err != nil {
		log.Printf("No usable model at startup (%v); running detection-disabled until the first retrain", err)
	}

	processor := capture.NewPacketProcessor(cfg.DefaultWindowSize)

	sigEngine := signature.NewEngine(cfg.Signatures.Enable)
	sigEngine.Compile(signature.DefaultRules())

	fw := buildFirewall(cfg.Firewall.Driver)

	var redisCache *cache.Cache
	if cfg.Cache.Enabled {
		redisCache, err = cache.New(cache.Config{Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB})
		if err != nil {
			log.Printf("Warning: cache disabled, connection failed: %v", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	var bus *eventbus.Publisher
	if cfg.EventBus.Enabled {
		bus, err = eventbus.Connect(cfg.EventBus.URLs)
		if err != nil {
			log.Printf("Warning: event bus disabled, connection failed: %v", err)
			bus = nil
		} else {
			defer bus.Close()
			if err := bus.EnsureStreams(ctx); err != nil {
				log.Printf("Warning: failed to ensure event bus streams: %v", err)
			}
		}
	}

	var archiveSink *archive.Sink
	if cfg.Archive.Enabled {
		archiveSink, err = archive.Open(archive.Config{
			Host: cfg.Archive.Host, Port: cfg.Archive.Port,
			Database: cfg.Archive.Database, Username: cfg.Archive.Username, Password: cfg.Archive.Password,
		})
		if err != nil {
			log.Printf("Warning: archive sink disabled, connection failed: %v", err)
			archiveSink = nil
		} else {
			defer archiveSink.Close()
		}
	}

	geo := geoenrich.NewProvider(cfg.GeoIP.DatabasePath)
	defer geo.Close()

	mon := monitor.New(cfg, st, det, processor, sigEngine, fw, redisCache, bus, archiveSink, geo)

	if err := mon.SyncFirewallFromHistory(ctx); err != nil {
		log.Printf("Warning: failed to re-sync firewall from block history: %v", err)
	}

	iface, err := pickInterface(cfg.Interface.Name)
	if err != nil {
		log.Fatalf("Failed to determine capture interface: %v", err)
	}

	handle, err := capture.NewCaptureHandle(capture.CaptureType(cfg.Interface.CaptureType))
	if err != nil {
		log.Fatalf("Failed to construct capture handle: %v", err)
	}
	if err := handle.Open(iface, &cfg.Interface); err != nil {
		log.Fatalf("Failed to open interface %s: %v", iface, err)
	}
	defer handle.Close()
	if cfg.Interface.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.Interface.BPFFilter); err != nil {
			log.Printf("Warning: failed to set BPF filter: %v", err)
		}
	}

	log.Printf("Capturing on interface %s (%s)", iface, cfg.Interface.CaptureType)

	done := make(chan error, 1)
	go func() {
		done <- mon.Run(ctx, handle)
	}()

	expireTicker := time.NewTicker(30 * time.Second)
	defer expireTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down", sig)
			cancel()
			<-done
			log.Printf("sentryd shutdown complete")
			return
		case err := <-done:
			if err != nil {
				log.Printf("Capture loop exited with error: %v", err)
			}
			return
		case <-expireTicker.C:
			if err := mon.ExpireBans(ctx); err != nil {
				log.Printf("Warning: failed to expire bans: %v", err)
			}
		}
	}
}

func loadConfiguration(path, preset string) (*config.Config, error) {
	if preset != "" {
		cfg, err := config.Preset(preset)
		if err != nil {
			return nil, fmt.Errorf("failed to load preset %s: %w", preset, err)
		}
		log.Printf("Loaded configuration preset: %s", preset)
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if path != "" {
		log.Printf("Loaded configuration from: %s", path)
	} else {
		log.Printf("Using default configuration")
	}
	return cfg, nil
}

func buildFirewall(driver string) firewall.Firewall {
	switch driver {
	case "iptables":
		return firewall.NewIPTablesFirewall("")
	default:
		return firewall.NewNullFirewall()
	}
}

func pickInterface(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	ifaces, err := netInterfaces()
	if err != nil {
		return "", err
	}
	for _, name := range ifaces {
		if name == "lo" || name == "lo0" {
			continue
		}
		return name, nil
	}
	return "", fmt.Errorf("no non-loopback network interface found")
}
