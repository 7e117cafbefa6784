// Package main is the entry point for levelgate.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/artpar/levelgate/app"
	"github.com/artpar/levelgate/bootstrap"
	"github.com/artpar/levelgate/config"
	"github.com/artpar/levelgate/domain/manifest"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "levelgate.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and manifest, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("levelgate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *validate {
		doc, err := os.ReadFile(cfg.Manifest.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Manifest unreadable: %v\n", err)
			os.Exit(1)
		}
		man, err := manifest.Load(doc, app.NewRegistry())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Manifest invalid: %v\n", err)
			os.Exit(1)
		}
		sublevels := 0
		methods := 0
		man.Walk(func(s *manifest.Sublevel) {
			sublevels++
			methods += len(s.Methods)
		})
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Store: %s\n", cfg.Store.Driver)
		fmt.Printf("  Manifest: %s (%d sublevels, %d methods)\n", cfg.Manifest.Path, sublevels, methods)
		os.Exit(0)
	}

	app, err := bootstrap.New(cfg, bootstrap.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
