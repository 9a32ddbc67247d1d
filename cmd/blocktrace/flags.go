package main

import (
	"github.com/urfave/cli/v2"
)

const (
	nodeCategory    = "NODE"
	httpCategory    = "HTTP"
	replayCategory  = "REPLAY"
	loggingCategory = "LOGGING AND DEBUGGING"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}

	rpcURLFlag = &cli.StringFlag{
		Name:     "rpc.url",
		Usage:    "JSON-RPC endpoint of an archive node",
		Value:    defaultConfig.Node.URL,
		EnvVars:  []string{"BLOCKTRACE_RPC_URL"},
		Category: nodeCategory,
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:     "chainid",
		Usage:    "Chain id whose fork rules are applied (0 = ask the node)",
		Category: nodeCategory,
	}
	storageCacheFlag = &cli.IntFlag{
		Name:     "cache.storage",
		Usage:    "Megabytes of memory shared across replays for historical storage slots (0 = off)",
		Value:    defaultConfig.Node.StorageCacheMB,
		Category: nodeCategory,
	}
	rpcRateLimitFlag = &cli.Float64Flag{
		Name:     "rpc.ratelimit",
		Usage:    "Maximum node round trips per second (0 = unlimited)",
		Category: nodeCategory,
	}

	httpAddrFlag = &cli.StringFlag{
		Name:     "http.addr",
		Usage:    "HTTP server listening interface",
		Value:    defaultConfig.HTTP.Host,
		Category: httpCategory,
	}
	httpPortFlag = &cli.IntFlag{
		Name:     "http.port",
		Usage:    "HTTP server listening port",
		Value:    defaultConfig.HTTP.Port,
		Category: httpCategory,
	}
	httpCorsDomainFlag = &cli.StringFlag{
		Name:     "http.corsdomain",
		Usage:    "Comma separated list of domains from which to accept cross origin requests (browser enforced)",
		Category: httpCategory,
	}

	replayTimeoutFlag = &cli.DurationFlag{
		Name:     "replay.timeout",
		Usage:    "Upper bound on the wall time of a single block replay",
		Value:    defaultConfig.Replay.Timeout,
		Category: replayCategory,
	}
	prefetchConcurrencyFlag = &cli.IntFlag{
		Name:     "prefetch.concurrency",
		Usage:    "Concurrent account reads used to warm the state before replay (0 = no prefetch)",
		Value:    defaultConfig.Replay.PrefetchConcurrency,
		Category: replayCategory,
	}

	verbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value:    defaultConfig.Log.Verbosity,
		Category: loggingCategory,
	}
	vmoduleFlag = &cli.StringFlag{
		Name:     "log.vmodule",
		Usage:    "Per-module verbosity: comma-separated list of <pattern>=<level> (e.g. core/*=5,provider=4)",
		Category: loggingCategory,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:     "log.json",
		Usage:    "Format logs with JSON",
		Category: loggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a file as well as to stderr",
		Category: loggingCategory,
	}
	logRotateFlag = &cli.BoolFlag{
		Name:     "log.rotate",
		Usage:    "Enables log file rotation",
		Category: loggingCategory,
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "Maximum size in MBs of a single log file",
		Value:    defaultConfig.Log.MaxSizeMB,
		Category: loggingCategory,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:     "log.maxbackups",
		Usage:    "Maximum number of log files to retain",
		Value:    defaultConfig.Log.MaxBackups,
		Category: loggingCategory,
	}
	metricsFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and serve them at /debug/metrics/prometheus",
		Category: loggingCategory,
	}
)

var appFlags = []cli.Flag{
	configFileFlag,
	rpcURLFlag,
	chainIDFlag,
	storageCacheFlag,
	rpcRateLimitFlag,
	httpAddrFlag,
	httpPortFlag,
	httpCorsDomainFlag,
	replayTimeoutFlag,
	prefetchConcurrencyFlag,
	verbosityFlag,
	vmoduleFlag,
	logJSONFlag,
	logFileFlag,
	logRotateFlag,
	logMaxSizeFlag,
	logMaxBackupsFlag,
	metricsFlag,
}
