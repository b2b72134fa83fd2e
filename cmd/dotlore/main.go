// DotLore - Ultra-lightweight conversational memory agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotLore contributors

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/multierr"

	"github.com/dotsetgreg/dotlore/pkg/agent"
	"github.com/dotsetgreg/dotlore/pkg/bus"
	"github.com/dotsetgreg/dotlore/pkg/chain"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/providers"
	"github.com/dotsetgreg/dotlore/pkg/state"
	"github.com/dotsetgreg/dotlore/pkg/themes"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotlore"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := os.Getenv("DOTLORE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotlore", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// loreRuntime is everything a running agent needs, built from the config.
type loreRuntime struct {
	cfg   *config.Config
	store *state.SQLiteStore
	chain *chain.Model
	bus   *bus.MessageBus
	loop  *agent.AgentLoop
}

func openStore(cfg *config.Config) (*state.SQLiteStore, error) {
	store, err := state.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	return store, nil
}

// newChain builds the chain model on the state journal and replays what it
// learned in earlier runs.
func newChain(ctx context.Context, cfg *config.Config, store *state.SQLiteStore) (*chain.Model, error) {
	m := chain.New(chain.Options{
		FocusWindow:     cfg.Chain.FocusWindow,
		SignatureWindow: cfg.Chain.SignatureWindow,
		Layers:          cfg.Chain.Layers,
		Journal:         store,
		Rand:            rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	})
	if err := m.Load(ctx); err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	return m, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*loreRuntime, error) {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	vocab, err := themes.LoadVocabulary(cfg.VocabularyPath())
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	model, err := newChain(ctx, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	loader, err := providers.CreateLoader(cfg, providers.Deps{Chain: model})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}

	msgBus := bus.NewMessageBus()
	loop, err := agent.NewAgentLoop(cfg, msgBus, agent.Deps{
		Loader:     loader,
		Chain:      model,
		Store:      store,
		Vocabulary: vocab,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &loreRuntime{cfg: cfg, store: store, chain: model, bus: msgBus, loop: loop}, nil
}

// Close saves every actor, then releases the bus and the state file.
func (r *loreRuntime) Close(ctx context.Context) error {
	err := r.loop.Close(ctx)
	r.bus.Close()
	err = multierr.Append(err, r.store.Close())
	if err != nil {
		logger.ErrorCF("main", "Shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return err
}
