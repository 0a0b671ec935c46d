package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/nostrrun/internal/config"
	"github.com/sandwichfarm/nostrrun/internal/egress"
	"github.com/sandwichfarm/nostrrun/internal/eventstore"
	"github.com/sandwichfarm/nostrrun/internal/ingress"
	"github.com/sandwichfarm/nostrrun/internal/ops"
	"github.com/sandwichfarm/nostrrun/internal/pool"
	"github.com/sandwichfarm/nostrrun/internal/ratings"
	"github.com/sandwichfarm/nostrrun/internal/relays"
	"github.com/sandwichfarm/nostrrun/internal/runtime"
	"github.com/sandwichfarm/nostrrun/internal/subscriptions"
	"github.com/sandwichfarm/nostrrun/internal/trust"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nostrrund %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("nostrrund - Nostr runtime service core")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  nostrrund init              Generate example configuration")
		fmt.Println("  nostrrund --version         Show version information")
		fmt.Println("  nostrrund --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting nostrrund %s\n", version)
	fmt.Printf("  Storage: %s\n", cfg.Storage.SQLitePath)
	fmt.Printf("  Seeds:   %v\n", cfg.Relays.Seeds)
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.New(&cfg.Logging)

	fmt.Println("Opening event store...")
	store, err := eventstore.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()
	fmt.Println("  Event store ready")

	registry := relays.New(store.DB())
	if err := registry.EnsureDefaults(ctx, cfg.Relays.Seeds); err != nil {
		return fmt.Errorf("failed to seed relay registry: %w", err)
	}
	if len(cfg.Relays.CategoryPreference) > 0 {
		if err := registry.SetCategoryPreference(ctx, cfg.Relays.CategoryPreference); err != nil {
			return fmt.Errorf("failed to set category preference: %w", err)
		}
	}
	fmt.Println("  Relay registry ready")

	resolver := trust.New(store.DB(), 30*time.Second)
	ratingAggregator := ratings.New(store.DB(), resolver, logger.WithComponent("ratings"))
	fmt.Println("  Trust resolver and rating aggregator ready")

	cp := pool.New(
		pool.NewWebsocketDialer(),
		registry,
		logger.WithComponent("pool"),
		time.Duration(cfg.Relays.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Relays.BackoffCapMs)*time.Millisecond,
	)

	// The controller is the Ingress Processor's StatusBroadcaster and is
	// constructed after the processor, so it's threaded in through a
	// forwarding closure rather than a direct reference.
	var controller *runtime.Controller
	broadcaster := ingressBroadcasterFunc(func() {
		if controller != nil {
			controller.NotifyIngress()
		}
	})

	ip := ingress.New(store, cfg.Limits.IncomingBacklogMax, ratingAggregator, broadcaster, logger.WithComponent("ingress"))

	sm := subscriptions.New(cfg.Subscriptions.Kinds, cfg.Subscriptions.FilterCap, func(subCtx context.Context, filters nostr.Filters) *pool.SubscriptionHandle {
		return cp.Subscribe(subCtx, cp.ConnectedURLs(), filters, pool.Handlers{
			OnEvent: func(relayURL string, event *nostr.Event) {
				ip.Process(subCtx, event)
			},
		})
	}, logger.WithComponent("subscriptions"))

	ed := egress.New(
		store,
		cp,
		cp.ConnectedURLs,
		cfg.Limits,
		cfg.Egress.UnitSizeBytes,
		time.Duration(cfg.Egress.ThrottleCooldownSeconds)*time.Second,
		time.Duration(cfg.Egress.RecoveryThresholdSeconds)*time.Second,
		logger.WithComponent("egress"),
	)
	fmt.Println("  Connection pool, subscription manager, and egress dispatcher ready")

	timers := runtime.Timers{
		StatusHeartbeat:     time.Duration(cfg.Timers.StatusHeartbeatSeconds) * time.Second,
		QueueStatsRefresh:   time.Duration(cfg.Timers.QueueStatsRefreshSeconds) * time.Second,
		EgressFlush:         time.Duration(cfg.Egress.FlushIntervalSeconds) * time.Second,
		SubscriptionRefresh: time.Duration(cfg.Subscriptions.RefreshMinutes) * time.Minute,
		ShutdownGrace:       time.Duration(cfg.Timers.ShutdownGraceSeconds) * time.Second,
	}
	controller = runtime.New(store, registry, cp, sm, ed, cfg.Relays.Seeds, timers, cfg.Limits, logger.WithComponent("runtime"))

	fmt.Println("Starting runtime controller...")
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime controller: %w", err)
	}
	fmt.Println("  Runtime controller started")

	fmt.Println()
	fmt.Println("nostrrund is running. Press Ctrl+C to shut down gracefully...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	controller.Shutdown(false)
	fmt.Println("Shutdown complete")
	return nil
}

// ingressBroadcasterFunc adapts a plain func to ingress.StatusBroadcaster.
type ingressBroadcasterFunc func()

func (f ingressBroadcasterFunc) NotifyIngress() { f() }

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
