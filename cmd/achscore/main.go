// achscore - ACH fraud-risk scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/achscore/internal/config"
	"github.com/opensource-finance/achscore/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `achscore scores ACH transactions against fraud-risk rules.

Usage:
  achscore serve  [-config file]
  achscore score  [-config file] [-out file] [-alerts file] [-sample n] <transactions.csv|json>
  achscore report [-config file] [flags] <scored.csv>
  achscore version

Run "achscore <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "score":
		err = runScore(args)
	case "report":
		err = runReport(args)
	case "version":
		fmt.Printf("achscore %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag plus any command flags and
// installs the configured logger. Log output goes to w so that CLI tables
// on stdout stay clean.
func loadConfig(fs *flag.FlagSet, args []string, w io.Writer) (*domain.Config, error) {
	configPath := fs.String("config", "", "path to a YAML config file (default $"+config.EnvConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Logging, w))
	return cfg, nil
}

func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
