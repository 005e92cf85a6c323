package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"microprep/internal/common"
	"microprep/internal/modpurge"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Plan and purge unneeded kernel modules",
	Long: `Plan and purge kernel module files the running machine does not need.

A module file is deleted when it is not allowlisted and either sits under a
hard-delete prefix, or sits under a class-delete prefix and is not required
by a loaded module (directly or through dependencies).

Subcommands:
  plan    Show what would be deleted
  purge   Delete it (dry run unless --apply)`,
}

var modulesPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what would be deleted",
	Args:  cobra.NoArgs,
	RunE:  runModulesPlan,
}

var modulesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete unneeded module files",
	Long: `Delete unneeded module files.

By default the deletion runs inside a new snapshot through
transactional-update. --in-place deletes directly from the module tree and
is meant for use inside a transaction where the tree is writable.

Examples:
  microprep modules purge             # dry run
  microprep modules purge --apply`,
	Args: cobra.NoArgs,
	RunE: runModulesPurge,
}

// Flag variables
var (
	modulesVerbose bool

	purgeApply   bool
	purgeInPlace bool
)

func init() {
	rootCmd.AddCommand(modulesCmd)

	modulesPlanCmd.Flags().BoolVarP(&modulesVerbose, "verbose", "v", false, "List every candidate")
	modulesCmd.AddCommand(modulesPlanCmd)

	modulesPurgeCmd.Flags().BoolVar(&purgeApply, "apply", false, "Delete the files (default is a dry run)")
	modulesPurgeCmd.Flags().BoolVar(&purgeInPlace, "in-place", false, "Delete directly instead of in a new snapshot")
	modulesPurgeCmd.Flags().BoolVarP(&modulesVerbose, "verbose", "v", false, "List every candidate")
	modulesCmd.AddCommand(modulesPurgeCmd)
}

func newModulesEngine(ctx context.Context) (*modpurge.Engine, error) {
	kver, err := modpurge.KernelVersion(ctx, runner, cfg.Tools.Uname, cfg.Modules.KernelVersion)
	if err != nil {
		return nil, err
	}
	state := modpurge.NewLiveState(osfs.New(cfg.Modules.ProcRoot), runner, cfg.Tools.Modinfo, kver)
	return modpurge.NewEngine(cfg.Modules, cfg.Tools, kver, osfs.New(cfg.Modules.Root(kver)), state, runner)
}

func printPlan(w io.Writer, plan *modpurge.Plan, verbose bool) {
	fmt.Fprintf(w, "Kernel: %s (%s)\n", plan.KernelVersion, plan.Root)
	fmt.Fprintf(w, "Required modules: %d\n", plan.Required.Size())
	fmt.Fprintf(w, "Plan: %s\n", plan.Summary())
	if plan.Canary != nil {
		fmt.Fprintf(w, "Canary: %s (%s)\n", plan.Canary.RelPath, humanize.IBytes(uint64(plan.Canary.Size)))
	}

	shown := plan.Candidates
	if !verbose && len(shown) > 10 {
		shown = shown[:10]
	}
	if len(shown) > 0 {
		fmt.Fprintln(w)
	}
	for _, c := range shown {
		fmt.Fprintf(w, "  D %-10s %s  (%s)\n", humanize.IBytes(uint64(c.Size)), c.RelPath, c.Reason)
	}
	if len(shown) < len(plan.Candidates) {
		fmt.Fprintf(w, "  ... and %d more files (use -v to list all)\n", len(plan.Candidates)-len(shown))
	}
}

// planModules evaluates the policy. A plan touching protected files is
// listed item by item before the error is returned.
func planModules(cmd *cobra.Command, engine *modpurge.Engine) (*modpurge.Plan, error) {
	plan, err := engine.Plan(cmd.Context())
	if pv, ok := modpurge.AsPolicyViolation(err); ok {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "Plan includes protected files, nothing will be deleted:")
		for _, item := range pv.Items {
			fmt.Fprintf(w, "  ! %s\n", item)
		}
		fmt.Fprintf(w, "Protected patterns: %s\n", strings.Join(pv.Patterns, ", "))
		return nil, fmt.Errorf("%w: %d file(s)", common.ErrPolicyViolation, len(pv.Items))
	}
	return plan, err
}

func runModulesPlan(cmd *cobra.Command, args []string) error {
	engine, err := newModulesEngine(cmd.Context())
	if err != nil {
		return err
	}
	plan, err := planModules(cmd, engine)
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), plan, modulesVerbose)
	return nil
}

func runModulesPurge(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	engine, err := newModulesEngine(cmd.Context())
	if err != nil {
		return err
	}
	plan, err := planModules(cmd, engine)
	if err != nil {
		return err
	}
	printPlan(w, plan, modulesVerbose)

	if len(plan.Candidates) == 0 {
		fmt.Fprintln(w, "\nNothing to delete")
		return nil
	}
	if !purgeApply {
		fmt.Fprintln(w, "\nDry run. Re-run with --apply to delete.")
		return nil
	}

	var rep *modpurge.ApplyReport
	if purgeInPlace {
		rep, err = engine.Apply(cmd.Context(), plan)
		if err != nil {
			return err
		}
	} else {
		res, err := newExecutor(cmd).Run(cmd.Context(), plan.Payload(cfg.Tools.Depmod, cfg.Modules.RunDepmod))
		if err != nil {
			return err
		}
		printResult(w, res)
		if parsed, ok := modpurge.ParseSummary(res.Output); ok {
			rep = &parsed
		}
		if err := res.Err(); err != nil {
			return err
		}
	}

	if rep == nil {
		fmt.Fprintln(w, "\nNo deletion summary in transaction output")
		return nil
	}
	fmt.Fprintf(w, "\nDeleted %d files (%s), %d failed\n", rep.Deleted, humanize.IBytes(uint64(rep.DeletedBytes)), rep.Failed)
	if plan.Canary != nil && !rep.CanaryGone {
		fmt.Fprintf(w, "Warning: canary %s is still present\n", plan.Canary.RelPath)
	}
	if failed := rep.Steps.Summary(); failed != "" {
		fmt.Fprintf(w, "Advisory failures:\n%s\n", failed)
	}
	return nil
}
