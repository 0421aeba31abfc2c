package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-runsync/pkg/config"
	"github.com/paulschiretz/pgl-runsync/pkg/engine"
	"github.com/paulschiretz/pgl-runsync/pkg/flagparse"
	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/pathcompression"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/remote"
	"github.com/paulschiretz/pgl-runsync/pkg/transfer"
)

// loadRunConfig loads the config file named by -config, merges the flags over
// it, validates the result for command and applies its log level.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	configPath, _ := flagMap["config"].(string)

	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(command); err != nil {
		return config.Config{}, err
	}

	level, err := plog.LevelFromString(runConfig.LogLevel)
	if err != nil {
		return config.Config{}, err
	}
	plog.SetLevel(level)

	runConfig.LogSummary(command)
	return runConfig, nil
}

// worker bundles what a sync pass needs: the remote store, the engine and
// the metrics both record into.
type worker struct {
	store   remote.Store
	runner  *engine.Runner
	metrics metrics.Metrics
}

func newWorker(ctx context.Context, remotePlan *remote.Plan, transferPlan *transfer.Plan, compression *pathcompression.Plan, m metrics.Metrics) (*worker, error) {
	store, err := remote.New(ctx, remotePlan)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	uploader, err := transfer.New(transferPlan, store)
	if err != nil {
		return nil, err
	}
	builder := pathcompression.NewBuilder(compression, m)
	return &worker{
		store:   store,
		runner:  engine.NewRunner(uploader, builder, m),
		metrics: m,
	}, nil
}
