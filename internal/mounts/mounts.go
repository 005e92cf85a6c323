// Package mounts reads the mount table and manages the temporary mount of
// the btrfs top-level subvolume.
package mounts

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/util"
)

// Entry is one line of the mount table.
type Entry struct {
	Target  string
	Source  string // device, with "[/subvol]" suffix for btrfs subvolumes
	FSType  string
	Options string
}

// Device returns Source without the bracketed subvolume suffix.
func (e Entry) Device() string {
	if i := strings.IndexByte(e.Source, '['); i >= 0 {
		return e.Source[:i]
	}
	return e.Source
}

// HasOption reports whether the comma-separated options contain opt.
func (e Entry) HasOption(opt string) bool {
	for _, o := range strings.Split(e.Options, ",") {
		if o == opt {
			return true
		}
	}
	return false
}

var snapshotSubvol = regexp.MustCompile(`subvol=/?@/\.snapshots/(\d+)/snapshot(?:,|$)`)

// SnapshotID extracts the snapshot number from a root mounted out of
// @/.snapshots/<n>/snapshot.
func (e Entry) SnapshotID() (int, bool) {
	m := snapshotSubvol.FindStringSubmatch(e.Options)
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// Table queries mounts through findmnt and changes them with mount/umount.
type Table struct {
	runner util.Runner
	tools  config.ToolsConfig
	poll   util.PollConfig
}

// New creates a Table.
func New(r util.Runner, tools config.ToolsConfig) *Table {
	return &Table{runner: r, tools: tools, poll: util.UnmountPollConfig()}
}

// Lookup returns the mount entry whose mount point is target.
func (t *Table) Lookup(ctx context.Context, target string) (Entry, error) {
	out, err := t.runner.Output(ctx, t.tools.Findmnt, "-n", "-r", "-o", "TARGET,SOURCE,FSTYPE,OPTIONS", "--mountpoint", target)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", common.ErrNotMounted, target, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		return Entry{
			Target:  unescape(fields[0]),
			Source:  unescape(fields[1]),
			FSType:  fields[2],
			Options: fields[3],
		}, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", common.ErrNotMounted, target)
}

// Root returns the mount entry for /.
func (t *Table) Root(ctx context.Context) (Entry, error) {
	return t.Lookup(ctx, "/")
}

// IsMounted checks whether target is a mount point.
func (t *Table) IsMounted(ctx context.Context, target string) bool {
	_, err := t.Lookup(ctx, target)
	return err == nil
}

// Mount mounts device at target with the given options, creating target.
func (t *Table) Mount(ctx context.Context, device, target, options string) error {
	if err := os.MkdirAll(target, 0700); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", target, err)
	}
	args := []string{}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, device, target)
	if _, err := t.runner.Output(ctx, t.tools.Mount, args...); err != nil {
		return fmt.Errorf("mount %s on %s: %w", device, target, err)
	}
	log.Debugf("[Mounts] mounted %s on %s (%s)", device, target, options)
	return nil
}

// LazyUnmount detaches target and waits for it to leave the mount table.
func (t *Table) LazyUnmount(ctx context.Context, target string) error {
	if !t.IsMounted(ctx, target) {
		log.Debugf("[Mounts] %s is not mounted, nothing to do", target)
		return nil
	}
	if _, err := t.runner.Output(ctx, t.tools.Umount, "-l", target); err != nil {
		return fmt.Errorf("umount -l %s: %w", target, err)
	}
	if err := util.PollUntil(ctx, t.poll, func() bool { return !t.IsMounted(ctx, target) }); err != nil {
		return fmt.Errorf("%s still mounted after lazy unmount: %w", target, err)
	}
	log.Debugf("[Mounts] unmounted %s", target)
	return nil
}

// AdminMount is the btrfs top-level subvolume (id 5) mounted for
// administrative work. Release must be called when done.
type AdminMount struct {
	Path   string
	Device string
	table  *Table
}

// AcquireAdmin makes subvolid=5 of device available at path. A top-level
// mount of the same device already at path is reused; anything else mounted
// there is detached first.
func (t *Table) AcquireAdmin(ctx context.Context, device, path string) (*AdminMount, error) {
	if e, err := t.Lookup(ctx, path); err == nil {
		if e.Device() == device && e.HasOption("subvolid=5") {
			log.Debugf("[Mounts] reusing top-level mount at %s", path)
			return &AdminMount{Path: path, Device: device, table: t}, nil
		}
		log.Warnf("[Mounts] %s holds %s (%s), detaching", path, e.Source, e.Options)
		if err := t.LazyUnmount(ctx, path); err != nil {
			return nil, err
		}
	}
	if err := t.Mount(ctx, device, path, "subvolid=5"); err != nil {
		return nil, err
	}
	return &AdminMount{Path: path, Device: device, table: t}, nil
}

// Release unmounts the admin mount, including a reused one. It uses a fresh
// context so cleanup still runs after cancellation.
func (a *AdminMount) Release() error {
	if a == nil {
		return nil
	}
	return a.table.LazyUnmount(context.Background(), a.Path)
}

// unescape decodes the \xNN escapes findmnt -r uses for blanks.
func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
