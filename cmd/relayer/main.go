// Command relayer is the bootstrap entry point for the cross-chain
// atomic-swap relayer: it loads a TOML config (internal/config), wires
// every component together, and serves the control API until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/joeycumines/logiface"

	"github.com/evmrelay/relayer/api"
	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/coordinator"
	"github.com/evmrelay/relayer/eventmonitor"
	"github.com/evmrelay/relayer/htlcadapter"
	"github.com/evmrelay/relayer/internal/config"
	"github.com/evmrelay/relayer/observability"
	"github.com/evmrelay/relayer/pool"
	"github.com/evmrelay/relayer/recovery"
	"github.com/evmrelay/relayer/registry"
	"github.com/evmrelay/relayer/shield"
	"github.com/evmrelay/relayer/swapstore"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/stumpy"
)

// Exit codes: 0 normal; 1 init failure; 2 bad
// config; 64 argument error; 130 SIGINT.
const (
	exitOK          = 0
	exitInitFailure = 1
	exitBadConfig   = 2
	exitBadArgs     = 64
	exitSIGINT      = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("relayer", flag.ContinueOnError)
	configPath := fs.String("config", "relayer.toml", "path to the relayer's TOML config file")
	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}

	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "relayer: maxprocs.Set: %v\n", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(); err != nil {
		fmt.Fprintf(os.Stderr, "relayer: memlimit.SetGoMemLimitWithOpts: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayer: %v\n", err)
		return exitBadConfig
	}

	logger := newLogger(cfg.Observability)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	_ = metrics // collectors self-register; served via promhttp in api.NewServer

	reg := registry.New()
	for _, c := range cfg.Chains {
		reg.RegisterChain(c.Chain())
	}
	for _, ch := range cfg.Channels {
		if err := reg.RegisterChannel(ch.Channel()); err != nil {
			logger.Err().Str("channel", ch.ChannelID).Err(err).Log("rejected channel from config")
			return exitBadConfig
		}
	}

	var store swapstore.Store
	switch cfg.Store.Driver {
	case "memory", "":
		store = swapstore.NewMemStore()
	default:
		fmt.Fprintf(os.Stderr, "relayer: unsupported store.driver %q (a sql backend requires a build with the matching database/sql driver imported)\n", cfg.Store.Driver)
		return exitBadConfig
	}

	connPool := pool.New(context.Background(), pool.Config{}, nil)
	defer connPool.Close()
	for _, c := range cfg.Chains {
		for _, ep := range c.Endpoints {
			connPool.Register(c.ID, pool.Capability("rpc"), ep)
		}
	}

	volumeRates, err := cfg.Shield.VolumeRatesDurations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayer: %v\n", err)
		return exitBadConfig
	}
	ddosShield := shield.New(shield.Config{VolumeRates: volumeRates}, nil)

	// adapters starts empty: concrete per-chain ChainAdapter
	// implementations (backed by a real TxSubmitter/Querier pair) are a
	// deployment-specific concern, and must be registered by a
	// deployer-specific build before Drive can progress any swap past
	// its first chain call.
	adapters := htlcadapter.NewRegistry()

	coord := coordinator.New(store, adapters, coordinator.Config{
		MaxRetries:      cfg.Coordinator.MaxRetries,
		LeaseTTL:        time.Duration(cfg.Coordinator.LeaseTTLSeconds) * time.Second,
		HopConcurrency:  int64(cfg.Coordinator.HopConcurrency),
		RequiredConfirm: cfg.Coordinator.RequiredConfirm,
	})
	coord.Alerts = observability.LogAlerter{Logger: logger}

	sweeper := recovery.New(store, coord, recovery.Config{
		Interval:       time.Duration(cfg.Recovery.IntervalSeconds) * time.Second,
		ImminentWindow: time.Duration(cfg.Recovery.ImminentWindowSeconds) * time.Second,
		BatchSize:      cfg.Recovery.BatchSize,
		Concurrency:    cfg.Recovery.Concurrency,
	})
	defer sweeper.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Err().Err(err).Log("recovery sweeper stopped")
		}
	}()

	telemetry := swapstore.NewMemTelemetryStore()
	go saveTelemetry(ctx, connPool, telemetry, 30*time.Second)

	cursors := swapstore.NewMemCursorStore()
	// sources starts empty for the same reason adapters does: concrete
	// per-chain Source implementations require a real RPC/WS client,
	// which is a deployer-specific build concern. A configured monitor
	// with no registered Source is
	// logged and skipped rather than treated as fatal, since the
	// relayer is otherwise fully operable via the recovery sweeper and
	// control API alone.
	sources := map[string]eventmonitor.Source{}
	for _, mc := range cfg.Monitors {
		src, ok := sources[mc.ChainID]
		if !ok {
			logger.Warning().Str("chain", mc.ChainID).Log("no event source registered for configured monitor; skipping")
			continue
		}
		mon := eventmonitor.New(src, cursors, eventmonitor.Config{
			Window:          mc.Window,
			PollInterval:    time.Duration(mc.PollIntervalMillis) * time.Millisecond,
			MinPollInterval: time.Duration(mc.MinPollIntervalMillis) * time.Millisecond,
		})
		go runMonitor(ctx, mon, coord)
	}

	var health []api.HealthChecker
	for _, c := range cfg.Chains {
		if len(c.Endpoints) > 0 {
			health = append(health, poolHealthChecker{pool: connPool, chainID: c.ID, capability: pool.Capability("rpc")})
		}
	}

	srv := &api.Server{
		Store:       store,
		Registry:    reg,
		Coordinator: coord,
		Shield:      ddosShield,
		IDs:         api.RandomID{},
		Health:      health,
		PlanParams: func(source, dest string) registry.PlanParams {
			return registry.PlanParams{Source: source, Dest: dest}
		},
	}
	mux := api.NewServer(srv)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Log("listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Err().Err(err).Log("http server failed")
			return exitInitFailure
		}
		return exitOK
	case <-sigCtx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Err().Err(err).Log("graceful shutdown failed")
		}
		return exitSIGINT
	}
}

// runMonitor drains a monitor's event stream through longpoll's batching
// helper and drives the coordinator for every event carrying an HTLC ID,
// the same "producer pushes onto a channel, a separate consumer drains
// it" split the recovery sweeper uses for its own batch ticks.
func runMonitor(ctx context.Context, mon *eventmonitor.Monitor, coord *coordinator.Coordinator) {
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "relayer: monitor stopped: %v\n", err)
		}
	}()

	ch, cancel := mon.Subscribe(ctx)
	defer cancel()
	for ctx.Err() == nil {
		if err := drainOnce(ctx, ch, coord); err != nil {
			return
		}
	}
}

func drainOnce(ctx context.Context, ch <-chan chainmodel.Event, coord *coordinator.Coordinator) error {
	return longpoll.Channel[chainmodel.Event](ctx, nil, ch, func(ev chainmodel.Event) error {
		htlcID, _ := ev.Payload["htlcId"].(string)
		if htlcID == "" {
			return nil
		}
		// Reorg replays re-emit an already-applied action under a new tx
		// hash; fold that into the receipt log before driving, so the
		// stored receipt follows the canonical chain.
		if err := coord.RecordObservedReceipt(ctx, htlcID, ev); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "relayer: record receipt %s: %v\n", htlcID, err)
		}
		// A failed Drive (retryable or otherwise) must not abort the
		// drain loop; the recovery sweeper will re-attempt the swap on
		// its own schedule regardless.
		if err := coord.Drive(ctx, htlcID); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "relayer: drive %s: %v\n", htlcID, err)
		}
		return nil
	})
}

// saveTelemetry periodically folds the pool's member snapshot into the
// persisted per-(chain, endpoint) telemetry records.
func saveTelemetry(ctx context.Context, p *pool.Pool, store swapstore.TelemetryStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ms := range p.Snapshot() {
				_ = store.SaveTelemetry(ctx, swapstore.PoolTelemetry{
					ChainID:      ms.ChainID,
					EndpointURL:  ms.EndpointURL,
					Healthy:      ms.Healthy,
					EMALatency:   ms.EMALatency,
					CircuitState: ms.CircuitState.String(),
					NextRetryAt:  ms.NextRetryAt,
				})
			}
		}
	}
}

func newLogger(cfg config.ObservabilityConfig) *logiface.Logger[logiface.Event] {
	switch cfg.LogBackend {
	case "zerolog":
		backend := izerolog.L.New(izerolog.WithZerolog(zerolog.New(os.Stdout).With().Timestamp().Logger()))
		return observability.NewLogger(backend)
	default:
		backend := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stdout)))
		return observability.NewLogger(backend)
	}
}
