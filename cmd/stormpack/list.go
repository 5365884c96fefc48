package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/stormpack/internal/pipeline"
	"github.com/dshills/stormpack/internal/registry"
	"github.com/dshills/stormpack/internal/spec"
)

// timeRounding is the display precision for durations and sync ages.
const timeRounding = time.Millisecond

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show declared extensions and their installed revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := spec.NewLuaHost()
			defer host.Close()

			reg, err := a.loadRegistry(host)
			if err != nil {
				return err
			}
			lock, err := pipeline.LoadLockfile(a.cfg.LockfilePath())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tREVISION\tTRIGGERS\tSOURCE")
			for _, pl := range reg.Plugins() {
				revision := "-"
				if entry, ok := lock.Get(pl.Name); ok {
					revision = shorten(entry.Revision)
				}
				version := pl.Version
				if version == "" {
					version = "latest"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					pl.Name, version, revision, triggerSummary(pl), pl.Source)
			}
			return tw.Flush()
		},
	}
}

func newLockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the lockfile contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, err := pipeline.LoadLockfile(a.cfg.LockfilePath())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tREVISION\tSYNCED\tSOURCE")
			for _, name := range lock.Names() {
				entry, _ := lock.Get(name)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					name, shorten(entry.Revision),
					entry.SyncedAt.Format(time.RFC3339), entry.Source)
			}
			return tw.Flush()
		},
	}
}

// triggerSummary renders a plugin's activation triggers for display.
func triggerSummary(pl *registry.Plugin) string {
	var parts []string
	if pl.Always {
		parts = append(parts, "always")
	}
	for _, ev := range pl.Events {
		parts = append(parts, "event:"+ev)
	}
	for _, cmd := range pl.Commands {
		parts = append(parts, "cmd:"+cmd)
	}
	for _, ft := range pl.FileTypes {
		parts = append(parts, "ft:"+ft)
	}
	for _, key := range pl.Keys {
		parts = append(parts, "keys:"+key)
	}
	if len(parts) == 0 {
		return "module"
	}
	return strings.Join(parts, ",")
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
