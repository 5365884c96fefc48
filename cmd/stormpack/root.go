package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/stormpack/internal/config"
	"github.com/dshills/stormpack/internal/logging"
	"github.com/dshills/stormpack/internal/pipeline"
	"github.com/dshills/stormpack/internal/proc"
	"github.com/dshills/stormpack/internal/registry"
	"github.com/dshills/stormpack/internal/spec"
	"github.com/dshills/stormpack/internal/vcs"
)

// app carries the shared state the subcommands build on.
type app struct {
	configPath string
	logLevel   string
	rootDir    string
	failFast   bool

	cfg config.Config
	log *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "stormpack",
		Short:         "Declarative extension manager",
		Long:          "stormpack installs, updates, and lazily loads editor extensions from declarative spec sources.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	flags.StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&a.rootDir, "root", "", "override install root directory")
	flags.BoolVar(&a.failFast, "fail-fast", false, "stop launching tasks after the first failure")

	cmd.AddCommand(
		newInstallCmd(a),
		newUpdateCmd(a),
		newCleanCmd(a),
		newSyncCmd(a),
		newListCmd(a),
		newLockCmd(a),
	)
	return cmd
}

// setup loads configuration and builds the logger. Flag values override the
// file.
func (a *app) setup() error {
	path := a.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.rootDir != "" {
		cfg.Root = a.rootDir
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	a.log = logging.New(logCfg)
	return nil
}

// loadRegistry resolves and merges the configured spec sources.
func (a *app) loadRegistry(host *spec.LuaHost) (*registry.Registry, error) {
	resolver := spec.NewResolver(host, a.cfg.SpecDirs...)

	sources := make([]spec.Source, 0, len(a.cfg.Sources))
	for _, name := range a.cfg.Sources {
		src, err := resolver.Resolve(name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return registry.Merge(resolver, sources...)
}

// newPipeline wires the pipeline from configuration.
func (a *app) newPipeline(reg *registry.Registry) *pipeline.Pipeline {
	runner := proc.NewRunner(a.cfg.GitTimeout())
	git := vcs.NewGit(runner, a.log, a.cfg.GitTimeout())

	return pipeline.New(pipeline.Config{
		Registry:       reg,
		Git:            git,
		Root:           a.cfg.Root,
		LockfilePath:   a.cfg.LockfilePath(),
		Logger:         a.log,
		Concurrency:    a.cfg.Concurrency,
		ThrottlePerSec: a.cfg.ThrottlePerSec,
		MaxRetries:     uint64(a.cfg.MaxRetries),
		Cooldown:       a.cfg.Cooldown(),
		FailFast:       a.failFast,
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
