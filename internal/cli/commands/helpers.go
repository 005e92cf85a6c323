package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"microprep/internal/registry"
	"microprep/internal/txn"
)

func newReader() *registry.Reader {
	return registry.NewReader(runner, cfg.Tools, cfg.Registry)
}

// newExecutor returns an executor that streams transaction output to the
// command's stdout.
func newExecutor(cmd *cobra.Command) *txn.Executor {
	exec := txn.NewExecutor(runner, cfg, newReader())
	exec.Out = cmd.OutOrStdout()
	return exec
}

// confirm asks a yes/no question on the command's stdin.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	reader := bufio.NewReader(cmd.InOrStdin())
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// printResult reports a finished transaction.
func printResult(w io.Writer, res *txn.Result) {
	fmt.Fprintf(w, "\nTransaction %s finished with status %d\n", res.Key, res.ExitCode)
	fmt.Fprintf(w, "  Log: %s\n", res.LogPath)
	printAnnotation(w, res.Annotation)
	fmt.Fprintf(w, "\nReboot to activate the new snapshot before starting another transaction.\n")
}

func printAnnotation(w io.Writer, a registry.AnnotateResult) {
	if !a.Available {
		fmt.Fprintln(w, "  Snapshots: tracking unavailable, nothing annotated")
		return
	}
	if len(a.Labels) == 0 {
		fmt.Fprintln(w, "  Snapshots: no new snapshot")
		return
	}
	for _, l := range a.Labels {
		status := "labeled"
		if l.Err != nil {
			status = fmt.Sprintf("not labeled: %v", l.Err)
		}
		fmt.Fprintf(w, "  Snapshot %d: %s (%s)\n", l.ID, l.Userdata, status)
	}
}
