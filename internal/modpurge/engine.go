package modpurge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/juju/collections/set"
	log "github.com/sirupsen/logrus"

	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/txn"
	"microprep/internal/util"
)

// Candidate is a module file planned for deletion.
type Candidate struct {
	Path    string // absolute
	RelPath string // relative to the module root
	Name    string // normalized module name
	Size    int64
	Reason  string
}

// Plan is the result of evaluating the policy over a module tree.
type Plan struct {
	KernelVersion string
	Root          string
	Candidates    []Candidate // largest first
	Canary        *Candidate  // largest candidate, nil when empty
	TotalBytes    int64
	Scanned       int
	Required      set.Strings
}

// Summary is a one-line description of the plan.
func (p *Plan) Summary() string {
	return fmt.Sprintf("%d of %d module files, %s", len(p.Candidates), p.Scanned, humanize.IBytes(uint64(p.TotalBytes)))
}

// Payload builds the transactional payload that applies the plan inside a
// new snapshot, followed by a best-effort depmod.
func (p *Plan) Payload(depmod string, runDepmod bool) txn.Payload {
	files := make([]txn.File, len(p.Candidates))
	for i, c := range p.Candidates {
		files[i] = txn.File{Path: c.Path, Size: c.Size}
	}
	canary := ""
	if p.Canary != nil {
		canary = p.Canary.Path
	}
	steps := []txn.Step{txn.RemoveFiles("remove module files", files, canary)}
	if runDepmod {
		if depmod == "" {
			depmod = "depmod"
		}
		steps = append(steps, txn.Command("depmod", depmod, "-a", p.KernelVersion).Optionally())
	}
	return txn.Payload{
		Key:         p.KernelVersion,
		Description: fmt.Sprintf("microprep: purge %s", p.Summary()),
		Steps:       steps,
	}
}

// ApplyReport counts the outcome of applying a plan.
type ApplyReport struct {
	Deleted      int
	Failed       int
	DeletedBytes int64
	CanaryGone   bool
	Steps        util.Steps
}

// ParseSummary reads the report printed by a plan's payload.
func ParseSummary(output string) (ApplyReport, bool) {
	s, ok := txn.ParseRemoveSummary(output)
	if !ok {
		return ApplyReport{}, false
	}
	return ApplyReport{Deleted: s.Deleted, Failed: s.Failed, DeletedBytes: s.Bytes, CanaryGone: s.CanaryGone}, true
}

// Engine plans and applies module purges for one kernel version.
type Engine struct {
	fs        billy.Filesystem // rooted at the kernel's module directory
	root      string
	kver      string
	policy    *Policy
	state     ModuleState
	runner    util.Runner
	depmod    string
	runDepmod bool
}

// NewEngine creates an Engine. moduleFS must be rooted at cfg.Root(kver).
func NewEngine(cfg config.ModulesConfig, tools config.ToolsConfig, kver string, moduleFS billy.Filesystem, state ModuleState, r util.Runner) (*Engine, error) {
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{
		fs:        moduleFS,
		root:      cfg.Root(kver),
		kver:      kver,
		policy:    policy,
		state:     state,
		runner:    r,
		depmod:    tools.Depmod,
		runDepmod: cfg.RunDepmod,
	}, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Plan computes the required set fresh, walks the module tree and returns
// every file the policy deletes. A plan touching a protected file is refused.
func (e *Engine) Plan(ctx context.Context) (*Plan, error) {
	required, err := ComputeRequired(ctx, e.state)
	if err != nil {
		return nil, err
	}

	plan := &Plan{KernelVersion: e.kver, Root: e.root, Required: required}
	err = billyutil.Walk(e.fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("[Modules] cannot read %s: %v", p, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || !info.Mode().IsRegular() || !IsModuleFile(info.Name()) {
			return nil
		}

		rel := common.NormalizePath(filepath.ToSlash(p))
		plan.Scanned++
		d := e.policy.Decide(rel, required)
		if !d.Delete {
			return nil
		}
		plan.Candidates = append(plan.Candidates, Candidate{
			Path:    filepath.Join(e.root, filepath.FromSlash(rel)),
			RelPath: rel,
			Name:    Normalize(rel),
			Size:    info.Size(),
			Reason:  d.Reason,
		})
		plan.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", e.root, err)
	}

	sort.SliceStable(plan.Candidates, func(i, j int) bool {
		a, b := plan.Candidates[i], plan.Candidates[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		return a.RelPath < b.RelPath
	})
	if len(plan.Candidates) > 0 {
		plan.Canary = &plan.Candidates[0]
	}

	if err := e.policy.CheckProtected(plan.Candidates); err != nil {
		return nil, err
	}
	log.Debugf("[Modules] plan for %s: %s", e.kver, plan.Summary())
	return plan, nil
}

// Apply deletes the plan's files directly through the engine's filesystem,
// then regenerates the module index. Individual failures are counted. Use
// this only where the module tree is writable (inside a transaction).
func (e *Engine) Apply(ctx context.Context, plan *Plan) (*ApplyReport, error) {
	if err := e.policy.CheckProtected(plan.Candidates); err != nil {
		return nil, err
	}

	rep := &ApplyReport{}
	for _, c := range plan.Candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := e.fs.Remove(c.RelPath); err != nil {
			log.Warnf("[Modules] failed to remove %s: %v", c.RelPath, err)
			rep.Failed++
			continue
		}
		rep.Deleted++
		rep.DeletedBytes += c.Size
	}
	if plan.Canary != nil {
		_, err := e.fs.Lstat(plan.Canary.RelPath)
		rep.CanaryGone = os.IsNotExist(err)
		if !rep.CanaryGone {
			log.Warnf("[Modules] canary %s still present", plan.Canary.RelPath)
		}
	}

	if e.runDepmod {
		depmod := e.depmod
		if depmod == "" {
			depmod = "depmod"
		}
		_, err := e.runner.Output(ctx, depmod, "-a", e.kver)
		if err != nil {
			log.Warnf("[Modules] depmod failed: %v", err)
		}
		_ = rep.Steps.Record("depmod", util.Advisory, err)
	}
	log.Infof("[Modules] removed %d files (%s), %d failed", rep.Deleted, humanize.IBytes(uint64(rep.DeletedBytes)), rep.Failed)
	return rep, nil
}
