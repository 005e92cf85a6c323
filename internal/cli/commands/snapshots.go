package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"microprep/internal/registry"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect and annotate the snapshot registry",
	Long: `Inspect and annotate the snapper snapshot registry.

Subcommands:
  list        Show the registry
  save-view   Save the current registry as a "before" view
  annotate    Label snapshots that are missing from a saved view

Examples:
  # Label the snapshot created by a manual transactional-update run
  microprep snapshots save-view --out /tmp/before.yaml
  transactional-update pkg install vim
  microprep snapshots annotate --before /tmp/before.yaml -m "install vim"`,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the registry",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

var saveViewCmd = &cobra.Command{
	Use:   "save-view",
	Short: "Save the current registry as a \"before\" view",
	Args:  cobra.NoArgs,
	RunE:  runSaveView,
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Label snapshots that are missing from a saved view",
	Long: `Re-read the registry and label every snapshot that is not in the saved
"before" view with its parent lineage. Existing annotations are kept.
Running it again with the same view writes nothing new.`,
	Args: cobra.NoArgs,
	RunE: runAnnotate,
}

// Flag variables
var (
	saveViewOut string

	annotateBefore  string
	annotateMessage string
)

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)

	saveViewCmd.Flags().StringVarP(&saveViewOut, "out", "o", "-", "Output file (- for stdout)")
	snapshotsCmd.AddCommand(saveViewCmd)

	annotateCmd.Flags().StringVar(&annotateBefore, "before", "", "View saved with save-view")
	annotateCmd.Flags().StringVarP(&annotateMessage, "message", "m", "", "Description for new snapshots")
	_ = annotateCmd.MarkFlagRequired("before")
	snapshotsCmd.AddCommand(annotateCmd)
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	view := newReader().Read(cmd.Context())
	if !view.Available {
		fmt.Fprintln(w, "Snapshot tracking unavailable")
		return nil
	}
	if len(view.Records) == 0 {
		fmt.Fprintln(w, "No snapshots")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-6s %-3s %-19s  %s\n", "ID", "PARENT", "", "DATE", "DESCRIPTION")
	for _, r := range view.Records {
		parent := ""
		if r.HasParent {
			parent = fmt.Sprint(r.ParentID)
		}
		fmt.Fprintf(w, "%-6d %-6s %-3s %-19s  %s\n", r.ID, parent, flags(r), r.Date, r.Description)
		if len(r.Userdata) > 0 {
			fmt.Fprintf(w, "%-38s  %s\n", "", formatUserdata(r.Userdata))
		}
	}
	return nil
}

// flags renders the active/default markers the way snapper does.
func flags(r registry.Record) string {
	switch {
	case r.Active && r.Default:
		return "*"
	case r.Active:
		return "-"
	case r.Default:
		return "+"
	}
	return ""
}

func formatUserdata(m map[string]string) string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

func runSaveView(cmd *cobra.Command, args []string) error {
	view := newReader().Read(cmd.Context())
	data, err := yaml.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode view: %w", err)
	}
	if saveViewOut == "-" || saveViewOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(saveViewOut, data, 0644); err != nil {
		return fmt.Errorf("failed to write view: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %d snapshots to %s\n", len(view.Records), saveViewOut)
	return nil
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(annotateBefore)
	if err != nil {
		return fmt.Errorf("failed to read view: %w", err)
	}
	var before registry.View
	if err := yaml.Unmarshal(data, &before); err != nil {
		return fmt.Errorf("failed to parse view %s: %w", annotateBefore, err)
	}

	res := registry.NewAnnotator(newReader()).Annotate(cmd.Context(), annotateMessage, before)
	printAnnotation(cmd.OutOrStdout(), res)
	if res.Failed > 0 {
		return fmt.Errorf("%d snapshot(s) could not be labeled", res.Failed)
	}
	return nil
}
