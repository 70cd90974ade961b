// Command domguard keeps published pages the way their authors left them.
//
// Usage:
//
//	domguard -config domguard.yaml           # guard pages from YAML config
//	domguard -url https://example.com        # guard a single page
//	domguard -harden ./site -localize        # clean an exported site in place
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/hazyhaar/domguard/guard"
)

func main() {
	configPath := flag.String("config", "", "path to domguard.yaml config file")
	singleURL := flag.String("url", "", "guard a single URL")
	hardenPath := flag.String("harden", "", "harden an exported HTML file or directory and exit")
	stealth := flag.String("stealth", "auto", "stealth level for -url: 0, 1, 2 or auto")
	localize := flag.Bool("localize", false, "enable the text localizer")
	inspectAddr := flag.String("inspect", "", "inspect HTTP address, e.g. 127.0.0.1:8620")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := overrides{stealth: *stealth, localize: *localize, inspect: *inspectAddr}
	err := run(ctx, logger, *configPath, *singleURL, *hardenPath, opts)
	stop()
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "usage: domguard -config <file> | -url <url> | -harden <path>")
		os.Exit(2)
	case err != nil:
		logger.Error("domguard: fatal", "error", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("domguard: no mode selected")

// overrides are the flags layered on top of the loaded configuration.
type overrides struct {
	stealth  string
	localize bool
	inspect  string
}

func (o overrides) apply(cfg *guard.Config) {
	if o.localize {
		cfg.Localize.Enabled = true
	}
	if o.inspect != "" {
		cfg.Inspect.Addr = o.inspect
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, singleURL, hardenPath string, o overrides) error {
	cfg := guard.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = guard.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	o.apply(cfg)

	switch {
	case hardenPath != "":
		return runHarden(logger, cfg, hardenPath)
	case singleURL != "":
		cfg.Pages = []guard.PageConfig{{
			ID:           uuid.Must(uuid.NewV7()).String(),
			URL:          singleURL,
			StealthLevel: o.stealth,
		}}
		return runService(ctx, logger, cfg)
	case configPath != "":
		return runService(ctx, logger, cfg)
	}

	return errUsage
}

func runHarden(logger *slog.Logger, cfg *guard.Config, path string) error {
	res, err := guard.HardenPath(path, cfg, logger)
	if err != nil {
		return fmt.Errorf("harden: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(res)
}

func runService(ctx context.Context, logger *slog.Logger, cfg *guard.Config) error {
	svc := guard.NewService(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if len(svc.Pages()) == 0 {
		svc.Stop()
		return errors.New("no page could be protected")
	}

	<-ctx.Done()
	svc.Stop()
	return nil
}
