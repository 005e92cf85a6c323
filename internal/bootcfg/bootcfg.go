// Package bootcfg regenerates the boot menu inside a transaction.
package bootcfg

import (
	"context"
	"fmt"
	"regexp"

	log "github.com/sirupsen/logrus"

	"microprep/internal/config"
	"microprep/internal/txn"
	"microprep/internal/util"
)

// Method is how the boot menu gets regenerated.
type Method string

const (
	// MethodTool uses transactional-update's own grub.cfg command.
	MethodTool Method = "transactional-update grub.cfg"
	// MethodMkconfig runs grub2-mkconfig in a payload.
	MethodMkconfig Method = "grub2-mkconfig payload"
)

// Key names the transaction log of a regeneration.
const Key = "bootcfg"

const description = "microprep: regenerate boot menu"

var helpCommand = regexp.MustCompile(`(?m)^\s*grub\.cfg\b`)

// Regenerator rebuilds the boot menu in a new snapshot.
type Regenerator struct {
	runner   util.Runner
	tu       string
	mkconfig string
	cfg      config.BootConfig
	exec     *txn.Executor
}

// NewRegenerator creates a Regenerator that runs through exec.
func NewRegenerator(r util.Runner, cfg *config.Config, exec *txn.Executor) *Regenerator {
	return &Regenerator{
		runner:   r,
		tu:       cfg.Tools.TransactionalUpdate,
		mkconfig: cfg.Tools.GrubMkconfig,
		cfg:      cfg.Boot,
		exec:     exec,
	}
}

// SupportsTool reports whether transactional-update lists a grub.cfg
// command in its help text.
func (g *Regenerator) SupportsTool(ctx context.Context) bool {
	// some versions exit non-zero on --help but still print it
	out, err := g.runner.Output(ctx, g.tu, "--help")
	if len(out) == 0 && err != nil {
		log.Debugf("[Bootcfg] %s --help: %v", g.tu, err)
		return false
	}
	return helpCommand.Match(out)
}

// Method resolves the configured mode.
func (g *Regenerator) Method(ctx context.Context) Method {
	switch g.cfg.Mode {
	case config.BootModeTool:
		return MethodTool
	case config.BootModeMkconfig:
		return MethodMkconfig
	}
	if g.SupportsTool(ctx) {
		return MethodTool
	}
	return MethodMkconfig
}

// Payload returns the grub2-mkconfig fallback. The primary output is
// load-bearing; the EFI output is written only when the firmware
// directory exists and its failure is ignored.
func (g *Regenerator) Payload() txn.Payload {
	steps := []txn.Step{
		txn.Command("grub.cfg", g.mkconfig, "-o", g.cfg.PrimaryOutput),
	}
	if g.cfg.EFIOutput != "" && g.cfg.EFIOutput != g.cfg.PrimaryOutput {
		step := txn.Command("efi grub.cfg", g.mkconfig, "-o", g.cfg.EFIOutput).Optionally()
		if g.cfg.EFIDir != "" {
			step = step.When(g.cfg.EFIDir)
		}
		steps = append(steps, step)
	}
	return txn.Payload{Key: Key, Description: description, Steps: steps}
}

// Regenerate rebuilds the boot menu in a new snapshot.
func (g *Regenerator) Regenerate(ctx context.Context) (*txn.Result, error) {
	method := g.Method(ctx)
	log.Infof("[Bootcfg] regenerating boot menu via %s", method)

	var (
		res *txn.Result
		err error
	)
	if method == MethodTool {
		res, err = g.exec.RunCommand(ctx, Key, description, "grub.cfg")
	} else {
		res, err = g.exec.Run(ctx, g.Payload())
	}
	if err != nil {
		return res, fmt.Errorf("regenerate boot menu: %w", err)
	}
	return res, nil
}
