package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"microprep/internal/txn"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Run a command inside a new snapshot",
	Long: `Run one command inside a new snapshot through transactional-update.

Without --apply the generated payload is printed and nothing runs.
The snapshot created by the run is labeled with its parent lineage.
All flags must come before the -- separator.

--write-file DEST=SRC copies the text file SRC into the snapshot as DEST
before the command runs. The content is embedded in the payload, so SRC
only has to be readable now. The flag can be repeated and the command
may be left out when files are written.

Examples:
  microprep run -m "clear machine id" -- truncate -s 0 /etc/machine-id
  microprep run --apply -m "clear machine id" -- truncate -s 0 /etc/machine-id
  microprep run --write-file /etc/sysctl.d/90-image.conf=./90-image.conf`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(runWriteFiles) == 0 {
			return fmt.Errorf("requires a command or --write-file")
		}
		return nil
	},
	RunE: runRun,
}

// Flag variables
var (
	runApply      bool
	runKey        string
	runMessage    string
	runWriteFiles []string
)

func init() {
	runCmd.Flags().BoolVar(&runApply, "apply", false, "Run the transaction (default is a dry run)")
	runCmd.Flags().StringVar(&runKey, "key", "", "Log name for the transaction (default: random)")
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "Description for the new snapshot")
	runCmd.Flags().StringArrayVar(&runWriteFiles, "write-file", nil, "Write local file SRC to DEST in the snapshot (DEST=SRC, repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	steps, err := writeFileSteps(runWriteFiles)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		steps = append(steps, txn.Command(args[0], args...))
	}
	p := txn.Payload{
		Key:         runKey,
		Description: runMessage,
		Steps:       steps,
	}

	if !runApply {
		script, err := p.Script()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Dry run, payload:")
		fmt.Fprintln(w)
		fmt.Fprintln(w, script)
		fmt.Fprintln(w, "Re-run with --apply to execute it in a new snapshot.")
		return nil
	}

	res, err := newExecutor(cmd).Run(cmd.Context(), p)
	if err != nil {
		return err
	}
	printResult(w, res)
	return res.Err()
}

// writeFileSteps reads each DEST=SRC pair now and inlines SRC's content and
// permissions into a write step for DEST.
func writeFileSteps(specs []string) ([]txn.Step, error) {
	var steps []txn.Step
	for _, spec := range specs {
		dest, src, ok := strings.Cut(spec, "=")
		if !ok || !filepath.IsAbs(dest) || src == "" {
			return nil, fmt.Errorf("invalid --write-file %q (want /absolute/dest=src)", spec)
		}
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		steps = append(steps, txn.WriteFile("write "+dest, dest, string(data), info.Mode().Perm()))
	}
	return steps, nil
}
