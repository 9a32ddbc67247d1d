package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type blocktraceConfig struct {
	Node    NodeConfig
	HTTP    HTTPConfig
	Replay  ReplayConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// NodeConfig selects the JSON-RPC node historical state is read from.
type NodeConfig struct {
	URL            string
	ChainID        uint64 `toml:",omitempty"` // 0 asks the node
	StorageCacheMB int
	RateLimit      float64 // requests per second, 0 = unlimited
}

type HTTPConfig struct {
	Host       string
	Port       int
	CorsDomain []string `toml:",omitempty"`
}

type ReplayConfig struct {
	Timeout             time.Duration
	PrefetchConcurrency int // 0 disables prefetching
}

type LogConfig struct {
	Verbosity  int
	Vmodule    string `toml:",omitempty"`
	JSON       bool
	File       string `toml:",omitempty"`
	Rotate     bool
	MaxSizeMB  int
	MaxBackups int
}

type MetricsConfig struct {
	Enabled bool
}

var defaultConfig = blocktraceConfig{
	Node: NodeConfig{
		URL:            "http://localhost:8545",
		StorageCacheMB: 64,
	},
	HTTP: HTTPConfig{
		Host: "localhost",
		Port: 8080,
	},
	Replay: ReplayConfig{
		Timeout:             2 * time.Minute,
		PrefetchConcurrency: 16,
	},
	Log: LogConfig{
		Verbosity:  3,
		MaxSizeMB:  100,
		MaxBackups: 10,
	},
}

func loadConfig(file string, cfg *blocktraceConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the defaults, then the config file, then any flag the
// user set explicitly.
func makeConfig(ctx *cli.Context) (blocktraceConfig, error) {
	cfg := defaultConfig
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	applyFlags(ctx, &cfg)
	if cfg.Node.URL == "" {
		return cfg, errors.New("no node configured, set --rpc.url")
	}
	return cfg, nil
}

func applyFlags(ctx *cli.Context, cfg *blocktraceConfig) {
	if ctx.IsSet(rpcURLFlag.Name) {
		cfg.Node.URL = ctx.String(rpcURLFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.Node.ChainID = ctx.Uint64(chainIDFlag.Name)
	}
	if ctx.IsSet(storageCacheFlag.Name) {
		cfg.Node.StorageCacheMB = ctx.Int(storageCacheFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTP.Host = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(httpPortFlag.Name) {
		cfg.HTTP.Port = ctx.Int(httpPortFlag.Name)
	}
	if ctx.IsSet(httpCorsDomainFlag.Name) {
		cfg.HTTP.CorsDomain = splitAndTrim(ctx.String(httpCorsDomainFlag.Name))
	}
	if ctx.IsSet(replayTimeoutFlag.Name) {
		cfg.Replay.Timeout = ctx.Duration(replayTimeoutFlag.Name)
	}
	if ctx.IsSet(prefetchConcurrencyFlag.Name) {
		cfg.Replay.PrefetchConcurrency = ctx.Int(prefetchConcurrencyFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	if ctx.IsSet(vmoduleFlag.Name) {
		cfg.Log.Vmodule = ctx.String(vmoduleFlag.Name)
	}
	if ctx.IsSet(logJSONFlag.Name) {
		cfg.Log.JSON = ctx.Bool(logJSONFlag.Name)
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.Log.File = ctx.String(logFileFlag.Name)
	}
	if ctx.IsSet(logRotateFlag.Name) {
		cfg.Log.Rotate = ctx.Bool(logRotateFlag.Name)
	}
	if ctx.IsSet(logMaxSizeFlag.Name) {
		cfg.Log.MaxSizeMB = ctx.Int(logMaxSizeFlag.Name)
	}
	if ctx.IsSet(logMaxBackupsFlag.Name) {
		cfg.Log.MaxBackups = ctx.Int(logMaxBackupsFlag.Name)
	}
	if ctx.IsSet(rpcRateLimitFlag.Name) {
		cfg.Node.RateLimit = ctx.Float64(rpcRateLimitFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(metricsFlag.Name)
	}
}

// splitAndTrim splits input separated by a comma
// and trims excessive white space from the substrings.
func splitAndTrim(input string) (ret []string) {
	l := strings.Split(input, ",")
	for _, r := range l {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	_, err = dump.Write(out)
	return err
}
