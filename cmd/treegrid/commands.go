// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/AleutianAI/treegrid/pkg/extensions"
	"github.com/AleutianAI/treegrid/pkg/logging"
	"github.com/AleutianAI/treegrid/services/treegrid"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	port       int
	dbPath     string
	inMemory   bool
	logLevel   string
	auditLog   bool

	seedCfg       store.SeedConfig
	seedStagedDay string
)

var (
	rootCmd = &cobra.Command{
		Use:   "treegrid",
		Short: "Virtualized tree grid server",
		Long: `treegrid serves a large hierarchical table to a scrolling grid client,
one viewport at a time, keeping each session's expansion state server side.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Write a deterministic demo tree into the database",
		RunE:  runSeed,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), treegrid.Version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().BoolVar(&inMemory, "in-memory-sessions", false, "keep session state in memory only")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	serveCmd.Flags().BoolVar(&auditLog, "audit", false, "write record mutations to the log as audit events")

	seedCmd.Flags().StringVar(&dbPath, "db", "treegrid.db", "SQLite database path")
	seedCmd.Flags().Int64Var(&seedCfg.RootID, "root-id", 0, "parent id of the top level")
	seedCmd.Flags().IntVar(&seedCfg.Roots, "roots", 20, "top level node count")
	seedCmd.Flags().IntVar(&seedCfg.Fanout, "fanout", 4, "children per inner node")
	seedCmd.Flags().IntVar(&seedCfg.Depth, "depth", 3, "levels, counting the top level")
	seedCmd.Flags().IntVar(&seedCfg.StagedDays, "staged-days", 0, "staged generations per parent")
	seedCmd.Flags().StringVar(&seedStagedDay, "staged-from", "", "first staged date, YYYY-MM-DD (default today)")
	seedCmd.Flags().IntVar(&seedCfg.Columns, "columns", 8, "cells per node")

	rootCmd.AddCommand(serveCmd, seedCmd, versionCmd)
}

// loadServeConfig merges the config file, the environment and the flags.
func loadServeConfig(cmd *cobra.Command, lookup func(string) (string, bool)) (treegrid.Config, error) {
	var cfg treegrid.Config
	if configPath != "" {
		loaded, err := treegrid.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := treegrid.ApplyEnv(&cfg, lookup); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("db") {
		cfg.DatabasePath = dbPath
	}
	if flags.Changed("in-memory-sessions") {
		cfg.Sessions.InMemory = inMemory
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd, os.LookupEnv)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "treegrid",
		Format:  cfg.Log.Format,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	opts := extensions.DefaultOptions()
	if auditLog {
		opts = opts.WithAudit(extensions.NewSlogAuditLogger(logger.Slog()))
	}

	svc, err := treegrid.New(cfg, &opts, logger.Slog())
	if err != nil {
		return fmt.Errorf("failed to create treegrid service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	seedCfg.StagedFrom = civil.DateOf(time.Now())
	if seedStagedDay != "" {
		d, err := civil.ParseDate(seedStagedDay)
		if err != nil {
			return fmt.Errorf("--staged-from: %w", err)
		}
		seedCfg.StagedFrom = d
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := store.OpenSQLite(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Seed(ctx, seedCfg)
	if err != nil {
		return fmt.Errorf("seed %s: %w", dbPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %s: %d processed, %d staged, %d cells\n",
		dbPath, stats.Processed, stats.Staged, stats.Cells)
	return nil
}
