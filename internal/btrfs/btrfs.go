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

// Package btrfs wraps the btrfs subvolume primitives used for pruning.
package btrfs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"microprep/internal/common"
	"microprep/internal/util"
)

// TopLevelID is the id of the filesystem's top-level subvolume.
const TopLevelID = 5

// Subvolume is one entry of a subvolume listing.
type Subvolume struct {
	ID       int
	Gen      int
	TopLevel int
	Path     string // relative to the top-level subvolume
}

// Client runs btrfs through a util.Runner.
type Client struct {
	runner util.Runner
	bin    string
}

// New creates a Client. bin is the btrfs executable.
func New(r util.Runner, bin string) *Client {
	if bin == "" {
		bin = "btrfs"
	}
	return &Client{runner: r, bin: bin}
}

var listLine = regexp.MustCompile(`^ID (\d+) gen (\d+)(?: cgen \d+)? top level (\d+)(?: parent \d+)?(?: otime \S+ \S+)? path (.+)$`)

// ParseList parses `btrfs subvolume list` output.
func ParseList(out string) ([]Subvolume, error) {
	var subs []Subvolume
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := listLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("unrecognized subvolume line: %q", line)
		}
		id, _ := strconv.Atoi(m[1])
		gen, _ := strconv.Atoi(m[2])
		top, _ := strconv.Atoi(m[3])
		p := strings.TrimPrefix(m[4], "<FS_TREE>/")
		subs = append(subs, Subvolume{ID: id, Gen: gen, TopLevel: top, Path: p})
	}
	return subs, nil
}

// DirectChildren keeps only entries that have no other listed entry as an
// ancestor. Order of the input is preserved.
func DirectChildren(subs []Subvolume) []Subvolume {
	var out []Subvolume
	for _, s := range subs {
		nested := false
		for _, o := range subs {
			if o.Path != s.Path && common.IsStrictAncestor(o.Path, s.Path) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, s)
		}
	}
	return out
}

// List returns every subvolume below the subvolume at dir.
func (c *Client) List(ctx context.Context, dir string) ([]Subvolume, error) {
	out, err := c.runner.Output(ctx, c.bin, "subvolume", "list", "-o", dir)
	if err != nil {
		return nil, err
	}
	return ParseList(string(out))
}

// Children returns the direct child subvolumes of dir, deepest paths first.
func (c *Client) Children(ctx context.Context, dir string) ([]Subvolume, error) {
	subs, err := c.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	children := DirectChildren(subs)
	SortDeepestFirst(children)
	return children, nil
}

// SortDeepestFirst orders by path length descending, ties by path descending.
func SortDeepestFirst(subs []Subvolume) {
	sort.SliceStable(subs, func(i, j int) bool {
		if len(subs[i].Path) != len(subs[j].Path) {
			return len(subs[i].Path) > len(subs[j].Path)
		}
		return subs[i].Path > subs[j].Path
	})
}

var showID = regexp.MustCompile(`(?m)^\s*Subvolume ID:\s*(\d+)\s*$`)

// ID returns the subvolume id of the subvolume at p.
func (c *Client) ID(ctx context.Context, p string) (int, error) {
	out, err := c.runner.Output(ctx, c.bin, "subvolume", "show", p)
	if err != nil {
		return 0, err
	}
	m := showID.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no subvolume id in `btrfs subvolume show %s` output", p)
	}
	return strconv.Atoi(string(m[1]))
}

// IsReadOnly reports the ro property of the subvolume at p.
func (c *Client) IsReadOnly(ctx context.Context, p string) (bool, error) {
	out, err := c.runner.Output(ctx, c.bin, "property", "get", "-ts", p, "ro")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "ro=true", nil
}

// SetReadOnly sets the ro property of the subvolume at p.
func (c *Client) SetReadOnly(ctx context.Context, p string, ro bool) error {
	_, err := c.runner.Output(ctx, c.bin, "property", "set", "-ts", p, "ro", strconv.FormatBool(ro))
	return err
}

// Delete removes the subvolume at p. It fails if p still has child subvolumes.
func (c *Client) Delete(ctx context.Context, p string) error {
	_, err := c.runner.Output(ctx, c.bin, "subvolume", "delete", p)
	return err
}

// SetDefault makes subvolume id the default for the filesystem holding mnt.
func (c *Client) SetDefault(ctx context.Context, id int, mnt string) error {
	_, err := c.runner.Output(ctx, c.bin, "subvolume", "set-default", strconv.Itoa(id), mnt)
	return err
}

// GetDefault returns the default subvolume of the filesystem holding mnt.
func (c *Client) GetDefault(ctx context.Context, mnt string) (Subvolume, error) {
	out, err := c.runner.Output(ctx, c.bin, "subvolume", "get-default", mnt)
	if err != nil {
		return Subvolume{}, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(out)), "ID 5 (FS_TREE)") {
		return Subvolume{ID: TopLevelID}, nil
	}
	subs, err := ParseList(string(out))
	if err != nil {
		return Subvolume{}, err
	}
	if len(subs) == 0 {
		return Subvolume{}, fmt.Errorf("%w: empty get-default output", common.ErrNoDefault)
	}
	return subs[0], nil
}

var snapshotPath = regexp.MustCompile(`(?:^|/)\.snapshots/(\d+)/snapshot$`)

// SnapshotNumber extracts n from a subvolume path ending in .snapshots/<n>/snapshot.
func SnapshotNumber(p string) (int, bool) {
	m := snapshotPath.FindStringSubmatch(path.Clean(p))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
