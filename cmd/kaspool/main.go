// Kaspool - Kaspa mining pool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaspool/kaspool/internal/api"
	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/monitoring"
	"github.com/kaspool/kaspool/internal/notify"
	"github.com/kaspool/kaspool/internal/pool"
	"github.com/kaspool/kaspool/internal/profiling"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/store"
	"github.com/kaspool/kaspool/internal/stratum"
	"github.com/kaspool/kaspool/internal/template"
	"github.com/kaspool/kaspool/internal/treasury"
	"github.com/kaspool/kaspool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// fanoutNotifier delivers pool events to every configured sink.
type fanoutNotifier []pool.Notifier

func (f fanoutNotifier) BlockFound(hash, finder string) {
	for _, n := range f {
		n.BlockFound(hash, finder)
	}
}

func (f fanoutNotifier) PaymentSent(address string, amount uint64, txID string) {
	for _, n := range f {
		n.PaymentSent(address, amount, txID)
	}
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Kaspool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("Kaspool v%s starting on %s", version, cfg.Stratum.Network)

	agent := monitoring.NewAgent(&cfg.Monitoring)
	if err := agent.Start(); err != nil {
		util.Fatalf("Failed to start monitoring agent: %v", err)
	}

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		util.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 30*time.Second)
	node, err := rpc.Dial(dialCtx, cfg.Node.URL, cfg.Node.Timeout)
	dialCancel()
	if err != nil {
		util.Fatalf("Failed to connect to node: %v", err)
	}
	defer node.Close()

	info, err := node.GetServerInfo(context.Background())
	if err != nil {
		util.Fatalf("Failed to query node info: %v", err)
	}
	if !info.IsSynced {
		util.Fatalf("Node at %s is not synced", cfg.Node.URL)
	}
	if !info.HasUTXOIndex {
		util.Fatalf("Node at %s runs without a UTXO index; the pool requires one", cfg.Node.URL)
	}
	util.Infof("Node %s on %s, virtual DAA score %d", info.ServerVersion, info.NetworkID, info.VirtualDAAScore)

	prefix := cfg.Stratum.AddressPrefix()
	treasuryAddr := util.ExternalAddress(cfg.Treasury.Address, prefix)

	templates := template.NewManager(node, treasuryAddr, cfg.Templates.Identity, cfg.Templates.DAAWindow)

	stratumServer, err := stratum.NewServer(&cfg.Stratum, templates)
	if err != nil {
		util.Fatalf("Failed to create stratum server: %v", err)
	}

	treasurer := treasury.New(&cfg.Treasury, node, treasuryAddr)

	var sinks fanoutNotifier
	if cfg.Notify.Enabled {
		sinks = append(sinks, notify.NewNotifier(&cfg.Notify, prefix))
	}
	if cfg.Monitoring.Enabled {
		sinks = append(sinks, agent)
	}

	orchestrator := pool.New(cfg, node, db, treasurer, stratumServer, sinks)

	if err := templates.Register(context.Background(), stratumServer.HandleTemplateAnnounce); err != nil {
		util.Fatalf("Failed to register template manager: %v", err)
	}
	if err := treasurer.Start(); err != nil {
		util.Fatalf("Failed to start treasury: %v", err)
	}
	if err := orchestrator.Start(); err != nil {
		util.Fatalf("Failed to start pool: %v", err)
	}
	if err := stratumServer.Start(); err != nil {
		util.Fatalf("Failed to start stratum server: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, db, stratumServer, templates, node, orchestrator)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	stratumServer.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	orchestrator.Stop()
	treasurer.Stop()
	profiler.Stop()
	agent.Stop()

	util.Info("Pool stopped")
}
