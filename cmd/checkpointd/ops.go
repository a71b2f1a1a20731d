package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilhg/ckpt/pkg/errmodel"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the checkpoint metadata schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), cfg, cmd.ErrOrStderr(), true)
		if err != nil {
			return err
		}
		defer d.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", d.store.Dialect())
		return nil
	},
}

var inspectLineage bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [operation_id]",
	Short: "List checkpoints, or show one checkpoint and its operation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), cfg, cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer d.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if len(args) == 0 {
			cps, err := d.svc.List(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]checkpointView, 0, len(cps))
			for i := range cps {
				views = append(views, viewOf(&cps[i]))
			}
			return enc.Encode(views)
		}

		id := args[0]
		cp, ok, err := d.svc.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !ok {
			return errmodel.NotFound("not_found", "no checkpoint for operation", map[string]any{"operation_id": id})
		}
		out := map[string]any{"checkpoint": viewOf(cp)}
		if inspectLineage {
			op, err := d.ledger.Get(cmd.Context(), id)
			if err == nil {
				lineage, lerr := d.ledger.Lineage(cmd.Context(), id)
				events, herr := d.ledger.History(cmd.Context(), id)
				if lerr == nil && herr == nil {
					out["operation"] = buildOperationView(op, lineage, events)
				}
			} else if !errmodel.IsNotFound(err) {
				return err
			}
		}
		return enc.Encode(out)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <operation_id>",
	Short: "Delete an operation's checkpoint and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), cfg, cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.svc.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var sweepGrace time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove artifact directories no checkpoint references",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("grace") {
			cfg.SweepGrace = sweepGrace
		}
		d, err := openDeps(cmd.Context(), cfg, cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer d.Close()
		removed, err := d.svc.Sweep(cmd.Context(), cfg.SweepGrace)
		for _, p := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p)
		}
		return err
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectLineage, "lineage", false, "include the operation record, lineage and events")
	sweepCmd.Flags().DurationVar(&sweepGrace, "grace", 0, "minimum age of temporary directories to remove (default from config)")
}
