// Copyright 2024 Microprep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prune deletes obsolete snapper snapshots from the btrfs
// filesystem while keeping the running and default-boot snapshots.
package prune

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	log "github.com/sirupsen/logrus"

	"microprep/internal/btrfs"
	"microprep/internal/common"
	"microprep/internal/mounts"
	"microprep/internal/registry"
	"microprep/internal/util"
)

// KeepSet holds snapshot numbers that must never be deleted. It always
// contains 0.
type KeepSet struct {
	ids set.Ints
}

// NewKeepSet returns a keep set of 0 plus ids.
func NewKeepSet(ids ...int) KeepSet {
	s := set.NewInts(0)
	for _, id := range ids {
		s.Add(id)
	}
	return KeepSet{ids: s}
}

// Contains reports whether id is kept.
func (k KeepSet) Contains(id int) bool {
	return id == 0 || (k.ids != nil && k.ids.Contains(id))
}

// Values returns the kept ids in ascending order.
func (k KeepSet) Values() []int {
	if k.ids == nil {
		return []int{0}
	}
	return k.ids.SortedValues()
}

func (k KeepSet) String() string {
	vals := k.Values()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// KeepInfo records where each member of a computed keep set came from.
type KeepInfo struct {
	Current       int
	Default       int
	DefaultSource string // "registry" or "btrfs"
	Extra         []int
	Steps         util.Steps
}

// Sources groups what ComputeKeepSet reads.
type Sources struct {
	Mounts   *mounts.Table
	Registry *registry.Reader
	Btrfs    *btrfs.Client
	Extra    []int
}

// ComputeKeepSet reads live state and returns {0, current, default} plus
// the extra ids. It fails when the root is not a numbered snapshot or the
// default snapshot cannot be determined.
func ComputeKeepSet(ctx context.Context, src Sources) (KeepSet, KeepInfo, error) {
	info := KeepInfo{Extra: src.Extra}

	cur, err := runningSnapshot(ctx, src)
	if info.Steps.Record("running snapshot", util.Fatal, err) != nil {
		return KeepSet{}, info, err
	}
	info.Current = cur

	def, source, err := defaultSnapshot(ctx, src)
	if info.Steps.Record("default snapshot", util.Fatal, err) != nil {
		return KeepSet{}, info, err
	}
	info.Default, info.DefaultSource = def, source

	keep := NewKeepSet(append([]int{cur, def}, src.Extra...)...)
	log.Debugf("[Prune] keep set %s (current %d, default %d from %s)", keep, cur, def, source)
	return keep, info, nil
}

func runningSnapshot(ctx context.Context, src Sources) (int, error) {
	root, err := src.Mounts.Root(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrNotSnapshotBoot, err)
	}
	cur, ok := root.SnapshotID()
	if !ok {
		return 0, fmt.Errorf("%w: root mounted with %q", common.ErrNotSnapshotBoot, root.Options)
	}
	return cur, nil
}

func defaultSnapshot(ctx context.Context, src Sources) (int, string, error) {
	if src.Registry != nil {
		view := src.Registry.Read(ctx)
		if rec, ok := view.Default(); ok {
			return rec.ID, "registry", nil
		}
	}
	sub, err := src.Btrfs.GetDefault(ctx, "/")
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", common.ErrNoDefault, err)
	}
	n, ok := btrfs.SnapshotNumber(sub.Path)
	if !ok {
		return 0, "", fmt.Errorf("%w: default subvolume %d (%s) is not a numbered snapshot", common.ErrNoDefault, sub.ID, sub.Path)
	}
	return n, "btrfs", nil
}

// candidates returns the numeric names minus the keep set, ascending.
func candidates(names []string, keep KeepSet) []int {
	var out []int
	for _, name := range names {
		n, err := strconv.Atoi(name)
		if err != nil || n < 0 || strconv.Itoa(n) != name {
			continue
		}
		if keep.Contains(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
