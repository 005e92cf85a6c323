package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"microprep/internal/bootcfg"
)

var bootcfgCmd = &cobra.Command{
	Use:   "bootcfg",
	Short: "Regenerate the boot menu in a new snapshot",
	Long: `Regenerate the boot menu in a new snapshot.

transactional-update grub.cfg is used when available. Otherwise
grub2-mkconfig writes the primary config and, when the EFI directory
exists, the EFI config. A failing EFI config does not fail the run.`,
	Args: cobra.NoArgs,
	RunE: runBootcfg,
}

var bootcfgApply bool

func init() {
	bootcfgCmd.Flags().BoolVar(&bootcfgApply, "apply", false, "Run the transaction (default is a dry run)")
	rootCmd.AddCommand(bootcfgCmd)
}

func runBootcfg(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	regen := bootcfg.NewRegenerator(runner, cfg, newExecutor(cmd))

	if !bootcfgApply {
		method := regen.Method(cmd.Context())
		fmt.Fprintf(w, "Method: %s\n", method)
		if method == bootcfg.MethodMkconfig {
			script, err := regen.Payload().Script()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\n%s\n", script)
		}
		fmt.Fprintln(w, "Dry run. Re-run with --apply to regenerate.")
		return nil
	}

	res, err := regen.Regenerate(cmd.Context())
	if err != nil {
		return err
	}
	printResult(w, res)
	return res.Err()
}
