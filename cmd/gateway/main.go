// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/fpath"
	"storj.io/private/cfgstruct"
	"storj.io/private/process"

	"github.com/uploadgate/uploadgate/gateway"
	"github.com/uploadgate/uploadgate/gateway/accounting"
	"github.com/uploadgate/uploadgate/gateway/accounting/rollup"
	"github.com/uploadgate/uploadgate/gateway/gatewaydb"
	"github.com/uploadgate/uploadgate/private/kvstore/redis"
)

// GatewayFlags defines the gateway configuration.
type GatewayFlags struct {
	Database string `help:"postgres connection string for the durable store" default:"postgres://localhost/uploadgate?sslmode=disable"`
	Redis    string `help:"redis connection string for the counter store" default:"redis://127.0.0.1:6379?db=0"`

	gateway.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "gateway",
		Short: "Upload gateway event pipeline",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	rollupCmd = &cobra.Command{
		Use:   "rollup [date]",
		Short: "Roll usage aggregates up into the durable store, optionally for a single YYYY-MM-DD date",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdRollup,
	}
	deadletterCmd = &cobra.Command{
		Use:   "deadletter",
		Short: "Dead-letter operations",
	}
	deadletterResolveCmd = &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead-letter entry resolved without re-queueing it",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdDeadletterResolve,
	}

	runCfg    GatewayFlags
	setupCfg  GatewayFlags
	actorFlag string
	confDir   string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("uploadgate", "gateway")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for gateway configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterResolveCmd)
	deadletterResolveCmd.Flags().StringVar(&actorFlag, "actor", "operator", "who resolved the entry")

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(rollupCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(deadletterResolveCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := gatewaydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to master database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating database: %+v", err)
	}

	store, err := redis.OpenClientFrom(ctx, runCfg.Redis)
	if err != nil {
		return errs.New("error connecting to counter store: %+v", err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	peer, err := gateway.New(log, db, store, runCfg.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}
	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("gateway configuration already exists (%v)", setupDir)
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRollup(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := gatewaydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to master database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	store, err := redis.OpenClientFrom(ctx, runCfg.Redis)
	if err != nil {
		return errs.New("error connecting to counter store: %+v", err)
	}
	defer func() { err = errs.Combine(err, store.Close()) }()

	aggregator := accounting.NewAggregator(log.Named("accounting"), store)
	service := rollup.New(log.Named("rollup"), aggregator, db.Rollups(), runCfg.Rollup)

	var rolled int
	if len(args) == 1 {
		rolled, err = service.RollupDate(ctx, args[0])
	} else {
		rolled, err = service.RollupAll(ctx)
	}
	if err != nil {
		return err
	}
	log.Info("rollup finished", zap.Int("rows", rolled))
	return nil
}

func cmdDeadletterResolve(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errs.New("invalid dead-letter id %q", args[0])
	}

	db, err := gatewaydb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error connecting to master database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.DeadLetters().Resolve(ctx, id, actorFlag); err != nil {
		return err
	}
	log.Info("dead-letter entry resolved", zap.Int64("id", id), zap.String("actor", actorFlag))
	return nil
}

func main() {
	process.Exec(rootCmd)
}
