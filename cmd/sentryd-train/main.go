// Command sentryd-train captures live traffic into the rolling window
// until interrupted, then fits and persists an isolation-forest model
// bundle from the captured window, provided it holds at least
// training.min_packets records; below that, no model is written.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/atailh4n/sentryd/internal/capture"
	"github.com/atailh4n/sentryd/internal/config"
	"github.com/atailh4n/sentryd/internal/detector"
	"github.com/atailh4n/sentryd/internal/firewall"
	"github.com/atailh4n/sentryd/internal/monitor"
	"github.com/atailh4n/sentryd/internal/signature"
	"github.com/atailh4n/sentryd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	preset := flag.String("preset", "", "Configuration preset (light, standard, aggressive)")
	iface := flag.String("interface", "", "Capture interface (overrides config)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("Starting sentryd-train")

	var cfg *config.Config
	var err error
	if *preset != "" {
		cfg, err = config.Preset(*preset)
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *iface != "" {
		cfg.Interface.Name = *iface
	}
	if cfg.Interface.Name == "" {
		log.Fatalf("No capture interface configured; pass -interface or set interface.name")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, stopping capture and fitting model", sig)
		cancel()
	}()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	det := detector.NewDetector(cfg.ModelDir)
	processor := capture.NewPacketProcessor(cfg.Training.UntilCtrlCWindow)
	sigEngine := signature.NewEngine(false)
	fw := firewall.NewNullFirewall()

	mon := monitor.New(cfg, st, det, processor, sigEngine, fw, nil, nil, nil, nil)

	handle, err := capture.NewCaptureHandle(capture.CaptureType(cfg.Interface.CaptureType))
	if err != nil {
		log.Fatalf("Failed to construct capture handle: %v", err)
	}
	if err := handle.Open(cfg.Interface.Name, &cfg.Interface); err != nil {
		log.Fatalf("Failed to open interface %s: %v", cfg.Interface.Name, err)
	}
	defer handle.Close()
	if cfg.Interface.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.Interface.BPFFilter); err != nil {
			log.Printf("Warning: failed to set BPF filter: %v", err)
		}
	}

	fmt.Printf("Capturing on %s until interrupted (Ctrl+C)...\n", cfg.Interface.Name)
	if err := mon.CaptureAndTrainUntilInterrupt(ctx, handle); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}
