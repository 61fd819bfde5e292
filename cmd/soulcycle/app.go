package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/igorao79/soulcycle/pkg/config"
	"github.com/igorao79/soulcycle/pkg/fetch"
	"github.com/igorao79/soulcycle/pkg/polls"
	"github.com/igorao79/soulcycle/pkg/remote"
	"github.com/igorao79/soulcycle/pkg/store"
	storesqlite "github.com/igorao79/soulcycle/pkg/store/sqlite"
	"github.com/igorao79/soulcycle/pkg/votes"
	"github.com/igorao79/soulcycle/pkg/votes/postgres"
	votesqlite "github.com/igorao79/soulcycle/pkg/votes/sqlite"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg    *config.Config
	cache  *fetch.Orchestrator
	client *remote.Client
	polls  *polls.Service

	closers []func() error
}

// loadConfig reads the env file, then the config file. A missing config file
// at the default path falls back to defaults.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if err := config.LoadEnv(flags.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if errors.Is(err, os.ErrNotExist) && flags.configPath == "soulcycle.yaml" {
		log.Printf("no %s found, using defaults", flags.configPath)
		cfg = config.Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openBackend opens the persistent tier selected by cfg.
func openBackend(cfg *config.Config) (store.Backend, func() error, error) {
	switch cfg.Cache.Storage {
	case config.StorageMemory:
		return store.NewMemoryBackend(cfg.Cache.MaxBytes), func() error { return nil }, nil
	default:
		b, err := storesqlite.New(cfg.DBPath, cfg.Cache.MaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("init cache store: %w", err)
		}
		return b, b.Close, nil
	}
}

// openRepository opens the vote store selected by cfg.
func openRepository(cfg *config.Config, client *remote.Client) (votes.Repository, func() error, error) {
	switch cfg.Votes.Backend {
	case config.VotesSQLite:
		r, err := votesqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("init vote store: %w", err)
		}
		return r, r.Close, nil
	case config.VotesPostgres:
		r, err := postgres.Open(cfg.Votes.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init vote store: %w", err)
		}
		return r, r.Close, nil
	default:
		return client, func() error { return nil }, nil
	}
}

func openApp(flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeBackend)

	a.cache = fetch.New(fetch.Config{
		TTL:              cfg.Cache.TTL,
		ThrottleInterval: cfg.Cache.ThrottleInterval,
		RetryInterval:    cfg.Cache.RetryInterval,
		BustParams:       cfg.Cache.BustParams,
	}, store.NewPersistent(backend))
	a.closers = append(a.closers, a.cache.Close)

	a.client = remote.New(cfg.Remote)

	repo, closeRepo, err := openRepository(cfg, a.client)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeRepo)

	a.polls = polls.New(a.cache, a.client, votes.NewService(repo))
	return a, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}
