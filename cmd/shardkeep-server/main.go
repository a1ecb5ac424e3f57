// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Shardkeep-server is the deduplicating secret-share storage server.
// It accepts share uploads, stores each unique share exactly once
// (delta-compressing similar shares), and reassembles files on
// download.
//
// Usage:
//
//	shardkeep-server <index> [config_file]
//
// index is the 1-based position of this node in the config's cluster
// list. Without a config file the built-in default configuration is
// used.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/shardkeep/shardkeep/lib/config"
	"github.com/shardkeep/shardkeep/lib/container"
	"github.com/shardkeep/shardkeep/lib/dedup"
	"github.com/shardkeep/shardkeep/lib/kvindex"
	"github.com/shardkeep/shardkeep/lib/recipe"
	"github.com/shardkeep/shardkeep/lib/session"
	"github.com/shardkeep/shardkeep/lib/simindex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: shardkeep-server <index> [config_file]")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid node index %q: %w", args[0], err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if len(args) == 2 {
		cfg, err = config.Load(args[1], index)
	} else {
		cfg, err = config.Default(index)
	}
	if err != nil {
		return err
	}

	if err := cfg.InitDirs(); err != nil {
		return err
	}
	if cfg.Clean {
		logger.Info("directories cleared and recreated",
			"databaseDir", cfg.DatabaseDir, "containerDir", cfg.ContainerDir)
	}

	kv, err := kvindex.Open(kvindex.Config{
		Path:   filepath.Join(cfg.DatabaseDir, "index.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	pool, err := container.Open(container.Config{
		Dir:    cfg.ContainerDir,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	recipes, err := recipe.Open(recipe.Config{
		Dir:     cfg.ContainerDir,
		Flusher: kv,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	core := dedup.New(dedup.Config{
		KV:         kv,
		Containers: pool,
		Recipes:    recipes,
		Similarity: simindex.New(),
		Logger:     logger,
	})

	listener, err := net.Listen("tcp", cfg.Self().Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Self().Address(), err)
	}

	server, err := session.New(session.Config{
		Listener: listener,
		Core:     core,
		Workers:  cfg.Workers,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("shardkeep server starting",
		"address", cfg.Self().Address(),
		"nodeIndex", index,
		"clusterSize", len(cfg.Cluster),
		"workers", cfg.Workers)

	if err := server.Serve(ctx); err != nil {
		return err
	}

	stats := core.Stats()
	logger.Info("shardkeep server stopped",
		"uniqueShares", stats.UniqueShares.Load(),
		"duplicateShares", stats.DuplicateShares.Load(),
		"deltaCompressed", stats.DeltaCompressed.Load())
	return nil
}
