package modpurge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/juju/collections/set"
	log "github.com/sirupsen/logrus"

	"microprep/internal/util"
)

// ModuleState is the live kernel module state.
type ModuleState interface {
	// Loaded returns the names of the modules loaded right now.
	Loaded(ctx context.Context) ([]string, error)
	// Depends returns the declared dependencies of module name.
	Depends(ctx context.Context, name string) ([]string, error)
}

// ComputeRequired returns the loaded modules and everything they depend on,
// transitively. Each module is expanded once. A failed dependency lookup is
// logged and treated as having no dependencies.
func ComputeRequired(ctx context.Context, state ModuleState) (set.Strings, error) {
	loaded, err := state.Loaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("read loaded modules: %w", err)
	}

	required := set.NewStrings()
	queue := make([]string, 0, len(loaded))
	for _, m := range loaded {
		n := Normalize(m)
		if n != "" && !required.Contains(n) {
			required.Add(n)
			queue = append(queue, n)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := queue[0]
		queue = queue[1:]

		deps, err := state.Depends(ctx, name)
		if err != nil {
			log.Debugf("[Modules] no dependency info for %s: %v", name, err)
			continue
		}
		for _, d := range deps {
			d = Normalize(d)
			if d == "" || required.Contains(d) {
				continue
			}
			required.Add(d)
			queue = append(queue, d)
		}
	}
	log.Debugf("[Modules] %d loaded, %d required", len(loaded), required.Size())
	return required, nil
}

// LiveState reads /proc/modules from a root filesystem and asks modinfo
// for dependencies of the given kernel version.
type LiveState struct {
	root    billy.Filesystem
	runner  util.Runner
	modinfo string
	kver    string
}

// NewLiveState creates a LiveState. root is the system root ("/").
func NewLiveState(root billy.Filesystem, r util.Runner, modinfo, kver string) *LiveState {
	if modinfo == "" {
		modinfo = "modinfo"
	}
	return &LiveState{root: root, runner: r, modinfo: modinfo, kver: kver}
}

// Loaded parses proc/modules: one module per line, name first.
func (s *LiveState) Loaded(context.Context) ([]string, error) {
	data, err := billyutil.ReadFile(s.root, "proc/modules")
	if err != nil {
		return nil, err
	}
	return ParseProcModules(data), nil
}

// Depends runs modinfo -k <kver> -F depends <name>.
func (s *LiveState) Depends(ctx context.Context, name string) ([]string, error) {
	args := []string{"-F", "depends", name}
	if s.kver != "" {
		args = append([]string{"-k", s.kver}, args...)
	}
	out, err := s.runner.Output(ctx, s.modinfo, args...)
	if err != nil {
		return nil, err
	}
	return SplitDepends(strings.TrimSpace(string(out))), nil
}

// ParseProcModules returns the normalized module names of a /proc/modules listing.
func ParseProcModules(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		names = append(names, Normalize(fields[0]))
	}
	return names
}

// KernelVersion returns configured, or the running kernel from uname -r.
func KernelVersion(ctx context.Context, r util.Runner, uname, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if uname == "" {
		uname = "uname"
	}
	out, err := r.Output(ctx, uname, "-r")
	if err != nil {
		return "", fmt.Errorf("determine kernel version: %w", err)
	}
	kver := strings.TrimSpace(string(out))
	if kver == "" {
		return "", fmt.Errorf("determine kernel version: empty uname output")
	}
	return kver, nil
}
