package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging installs the root logger described by cfg. The returned closer
// releases the log file, if any.
func setupLogging(cfg LogConfig) (io.Closer, error) {
	var (
		handler        slog.Handler
		terminalOutput io.Writer = os.Stderr
		output         io.Writer
		logOutputFile  io.WriteCloser
		context        []interface{}
	)
	useColor := !cfg.JSON && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	if useColor {
		terminalOutput = colorable.NewColorableStderr()
	}
	switch {
	case cfg.File != "" && cfg.Rotate:
		logOutputFile = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		context = append(context, "location", cfg.File, "rotate", true)
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		logOutputFile = f
		context = append(context, "location", cfg.File)
	}
	if logOutputFile != nil {
		output = io.MultiWriter(logOutputFile, terminalOutput)
	} else {
		output = terminalOutput
	}

	if cfg.JSON {
		handler = log.JSONHandler(output)
	} else {
		// The file shares the terminal format; colors are kept out of it.
		handler = log.NewTerminalHandler(output, useColor && logOutputFile == nil)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(cfg.Verbosity))
	if err := glogger.Vmodule(cfg.Vmodule); err != nil {
		if logOutputFile != nil {
			logOutputFile.Close()
		}
		return nil, err
	}
	log.SetDefault(log.NewLogger(glogger))
	if len(context) > 0 {
		log.Info("Logging configured", context...)
	}
	if logOutputFile == nil {
		return io.NopCloser(nil), nil
	}
	return logOutputFile, nil
}
