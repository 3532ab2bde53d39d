package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"fencesync/internal/app"
	"fencesync/internal/clock"
	"fencesync/internal/config"
)

// main starts fencesync service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		checkOnly  = flag.Bool("check", false, "validate configuration and exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if *checkOnly {
		cfg, err := config.LoadSnapshot(source)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
			os.Exit(1)
		}
		fmt.Printf("config ok: mode=%s store=%s backend=%s\n", cfg.Service.Mode, cfg.Store.Driver, cfg.Backend.Driver)
		return
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
