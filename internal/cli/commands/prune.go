package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"microprep/internal/btrfs"
	"microprep/internal/mounts"
	"microprep/internal/prune"
	"microprep/internal/util"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots that are neither running nor default",
	Long: `Delete every numbered snapshot except the baseline (0), the one mounted
at / and the default boot snapshot.

The top-level subvolume is mounted at the admin mount point for the
duration of the run. Before anything is deleted the default subvolume is
pointed at the running one. Nested subvolumes are deleted first.

Examples:
  microprep prune                # show the keep set and candidates
  microprep prune --apply        # delete after confirmation
  microprep prune --apply -y     # delete without asking`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

// Flag variables
var (
	pruneApply       bool
	pruneSkipConfirm bool
	pruneKeep        []int
)

func init() {
	pruneCmd.Flags().BoolVar(&pruneApply, "apply", false, "Delete the snapshots (default is a dry run)")
	pruneCmd.Flags().BoolVarP(&pruneSkipConfirm, "yes", "y", false, "Skip confirmation prompt")
	pruneCmd.Flags().IntSliceVar(&pruneKeep, "keep", nil, "Additional snapshot ids to keep")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	ctx := cmd.Context()

	table := mounts.New(runner, cfg.Tools)
	bt := btrfs.New(runner, cfg.Tools.Btrfs)
	keep, info, err := prune.ComputeKeepSet(ctx, prune.Sources{
		Mounts:   table,
		Registry: newReader(),
		Btrfs:    bt,
		Extra:    append(append([]int(nil), cfg.Prune.ExtraKeep...), pruneKeep...),
	})
	if err != nil {
		return fatalOr(info.Steps, err)
	}
	fmt.Fprintf(w, "Running snapshot: %d\n", info.Current)
	fmt.Fprintf(w, "Default snapshot: %d (from %s)\n", info.Default, info.DefaultSource)
	fmt.Fprintf(w, "Keep: %s\n", keep)

	engine := prune.NewEngine(cfg.Prune, table, bt)
	planned, err := engine.Plan(ctx, keep)
	if err != nil {
		return err
	}
	if len(planned) == 0 {
		fmt.Fprintln(w, "Nothing to delete")
		return nil
	}
	fmt.Fprintf(w, "Delete: %v\n", planned)

	if !pruneApply {
		fmt.Fprintln(w, "\nDry run. Re-run with --apply to delete.")
		return nil
	}
	if !pruneSkipConfirm && !confirm(cmd, fmt.Sprintf("Permanently delete %d snapshot(s)?", len(planned))) {
		fmt.Fprintln(w, "Prune cancelled")
		return nil
	}

	rep, err := engine.Prune(ctx, keep)
	if err != nil {
		if len(rep.Deleted) > 0 {
			fmt.Fprintf(w, "\nDeleted before stopping: %v\n", rep.Deleted)
		}
		return fatalOr(rep.Steps, err)
	}
	fmt.Fprintf(w, "\nDeleted %d snapshot(s) (%d subvolumes)\n", len(rep.Deleted), rep.Subvolumes)
	if len(rep.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped (now running): %v\n", rep.Skipped)
	}
	if len(rep.Failed) > 0 {
		fmt.Fprintf(w, "Failed: %v\n%s\n", rep.Failed, rep.Steps.Summary())
		return fmt.Errorf("%d snapshot(s) could not be deleted", len(rep.Failed))
	}
	return nil
}

// fatalOr names the fatal step that stopped an operation, falling back to
// err when the failure happened outside any recorded step.
func fatalOr(steps util.Steps, err error) error {
	if fatal := steps.FirstFatal(); fatal != nil {
		return fatal
	}
	return err
}
