// blocktrace replays historical blocks against an archive node and serves the
// calls and contract creations each transaction performed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clydemeng/blocktrace/core"
	"github.com/clydemeng/blocktrace/core/vm"
	evmbridge "github.com/clydemeng/blocktrace/evm_bridge"
	"github.com/clydemeng/blocktrace/provider"
	"github.com/clydemeng/blocktrace/server"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	// Automatically set GOMAXPROCS to match Linux container CPU quota.
	_ "go.uber.org/automaxprocs"
)

const (
	dialTimeout     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	metricsRefresh  = 3 * time.Second
)

var app = &cli.App{
	Name:   "blocktrace",
	Usage:  "replay historical blocks and report every call and contract creation",
	Flags:  appFlags,
	Action: blocktrace,
	Commands: []*cli.Command{
		traceCommand,
		{
			Name:      "dumpconfig",
			Usage:     "Export configuration values in a TOML format",
			ArgsUsage: "<dumpfile (optional)>",
			Flags:     appFlags,
			Action:    dumpConfig,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// prepare applies the process-wide settings of cfg. The returned closer
// flushes the log file.
func prepare(cfg *blocktraceConfig) (io.Closer, error) {
	logs, err := setupLogging(cfg.Log)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		log.Info("Enabling metrics collection")
		metrics.Enable()
		go metrics.CollectProcessMetrics(metricsRefresh)
	}
	return logs, nil
}

// makeReplayer dials the node and wires the replay pipeline.
func makeReplayer(ctx context.Context, cfg *blocktraceConfig) (*core.Replayer, *provider.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := provider.Dial(dialCtx, cfg.Node.URL,
		provider.WithStorageCache(cfg.Node.StorageCacheMB),
		provider.WithRateLimit(cfg.Node.RateLimit),
	)
	if err != nil {
		return nil, nil, err
	}
	chainID := cfg.Node.ChainID
	if chainID == 0 {
		if chainID, err = client.ChainID(dialCtx); err != nil {
			client.Close()
			return nil, nil, err
		}
	}
	chainConfig, err := vm.ChainConfigFor(chainID)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	log.Info("Connected to node", "url", cfg.Node.URL, "chainid", chainID)

	replayer := core.NewReplayer(client, evmbridge.Factory(chainConfig), core.Config{
		ChainID:       chainID,
		ReplayTimeout: cfg.Replay.Timeout,
		Prefetch:      cfg.Replay.PrefetchConcurrency > 0,
		PrefetchLimit: cfg.Replay.PrefetchConcurrency,
	})
	return replayer, client, nil
}

// httpTimeouts stretches the write deadline so a replay that is still within
// its own timeout can deliver its response.
func httpTimeouts(replayTimeout time.Duration) rpc.HTTPTimeouts {
	timeouts := rpc.DefaultHTTPTimeouts
	if floor := replayTimeout + 5*time.Second; timeouts.WriteTimeout < floor {
		timeouts.WriteTimeout = floor
	}
	return timeouts
}

// blocktrace is the main entry point: it serves replays over HTTP until
// interrupted.
func blocktrace(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %s", args[0])
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logs, err := prepare(&cfg)
	if err != nil {
		return err
	}
	defer logs.Close()

	sigctx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	replayer, client, err := makeReplayer(sigctx, &cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	srv := server.New(replayer, server.Config{
		Host:        cfg.HTTP.Host,
		Port:        cfg.HTTP.Port,
		CorsOrigins: cfg.HTTP.CorsDomain,
		Metrics:     cfg.Metrics.Enabled,
		Timeouts:    httpTimeouts(cfg.Replay.Timeout),
	})
	if err := srv.Start(); err != nil {
		return err
	}
	<-sigctx.Done()
	log.Info("Got interrupt, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
