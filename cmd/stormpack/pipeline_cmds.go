package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/stormpack/internal/config"
	"github.com/dshills/stormpack/internal/pipeline"
	"github.com/dshills/stormpack/internal/spec"
)

func newInstallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install [extension...]",
		Short: "Clone declared extensions that are not yet installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, pipeline.OpInstall, args)
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update [extension...]",
		Short: "Bring installed extensions to their resolved versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, pipeline.OpUpdate, args)
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean [directory...]",
		Short: "Remove install directories no longer declared by any spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, pipeline.OpClean, args)
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Install missing, update stale, and clean orphaned extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.syncOnce(cmd); err != nil {
				if !watch {
					return err
				}
				a.log.Error("sync failed: %v", err)
			}
			if !watch {
				return nil
			}
			return a.watchAndSync(cmd)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "watch spec directories and resync on change")
	return cmd
}

// syncOnce runs install, update, and clean back to back.
func (a *app) syncOnce(cmd *cobra.Command) error {
	for _, op := range []pipeline.Operation{pipeline.OpInstall, pipeline.OpUpdate, pipeline.OpClean} {
		if err := a.runPipeline(cmd, op, nil); err != nil {
			return err
		}
	}
	return nil
}

// watchAndSync resyncs whenever a spec source changes, until interrupted.
func (a *app) watchAndSync(cmd *cobra.Command) error {
	ctx, cancel := signalContext()
	defer cancel()

	w, err := config.NewWatcher(a.cfg.SpecDirs, time.Second)
	if err != nil {
		return err
	}
	defer w.Close()

	changes := make(chan string, 1)
	w.OnChange(func(path string) {
		select {
		case changes <- path:
		default: // a resync is already queued
		}
	})
	w.Start()
	a.log.Info("watching %v for spec changes", a.cfg.SpecDirs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-changes:
			a.log.Info("spec source %s changed, resyncing", path)
			if err := a.syncOnce(cmd); err != nil {
				a.log.Error("sync failed: %v", err)
			}
		}
	}
}

// runPipeline builds the registry and pipeline, executes one operation, and
// prints its report. A run with failed tasks exits non-zero.
func (a *app) runPipeline(cmd *cobra.Command, op pipeline.Operation, targets []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	host := spec.NewLuaHost()
	defer host.Close()

	reg, err := a.loadRegistry(host)
	if err != nil {
		return err
	}

	report, err := a.newPipeline(reg).Run(ctx, op, targets)
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), report)

	if _, _, failed, cancelled := report.Counts(); failed > 0 || cancelled > 0 {
		return fmt.Errorf("%s finished with %d failed and %d cancelled task(s)", op, failed, cancelled)
	}
	return nil
}

func printReport(w io.Writer, report *pipeline.Report) {
	if len(report.Tasks) == 0 {
		fmt.Fprintf(w, "%s: nothing to do\n", report.Operation)
		return
	}

	for _, task := range report.Tasks {
		fmt.Fprintf(w, "%-10s %-8s %s\n", task.Status(), task.Action, task.Plugin)
		switch task.Status() {
		case pipeline.StatusFailed, pipeline.StatusCancelled:
			if err := task.Err(); err != nil {
				fmt.Fprintf(w, "           %v\n", err)
			}
		default:
			for _, line := range task.Output() {
				fmt.Fprintf(w, "           %s\n", line)
			}
		}
	}

	succeeded, skipped, failed, cancelled := report.Counts()
	fmt.Fprintf(w, "%s: %d succeeded, %d skipped, %d failed, %d cancelled (%s)\n",
		report.Operation, succeeded, skipped, failed, cancelled,
		report.Finished.Sub(report.Started).Round(timeRounding))
}
