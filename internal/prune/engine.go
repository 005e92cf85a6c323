package prune

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"microprep/internal/btrfs"
	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/mounts"
	"microprep/internal/util"
)

// Report is the outcome of a prune run.
type Report struct {
	Keep            KeepSet
	Planned         []int
	Deleted         []int
	Failed          []int
	MetadataRemoved []int
	Skipped         []int // became live between planning and deletion
	Subvolumes      int   // subvolumes deleted, nested ones included
	Steps           util.Steps
}

// Engine deletes snapshot subvolumes through an admin mount of the
// top-level subvolume.
type Engine struct {
	cfg    config.PruneConfig
	mounts *mounts.Table
	btrfs  *btrfs.Client

	metaFS func(dir string) billy.Filesystem
}

// NewEngine creates an Engine.
func NewEngine(cfg config.PruneConfig, table *mounts.Table, bt *btrfs.Client) *Engine {
	return &Engine{
		cfg:    cfg,
		mounts: table,
		btrfs:  bt,
		metaFS: func(dir string) billy.Filesystem { return osfs.New(dir) },
	}
}

// session is one locked, admin-mounted prune context.
type session struct {
	admin   *mounts.AdminMount
	snapDir string
	meta    billy.Filesystem
}

// withAdmin takes the prune lock, mounts the top-level subvolume and runs
// fn. The mount is released and the lock dropped on every exit path.
func (e *Engine) withAdmin(ctx context.Context, fn func(s *session) error) error {
	if e.cfg.LockPath != "" {
		if err := os.MkdirAll(filepath.Dir(e.cfg.LockPath), 0755); err != nil {
			return fmt.Errorf("failed to create lock dir: %w", err)
		}
		lock := flock.New(e.cfg.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("%w: another prune holds %s", common.ErrLocked, e.cfg.LockPath)
		}
		defer lock.Unlock()
	}

	device := e.cfg.Device
	if device == "" {
		root, err := e.mounts.Root(ctx)
		if err != nil {
			return fmt.Errorf("find root device: %w", err)
		}
		device = root.Device()
	}

	admin, err := e.mounts.AcquireAdmin(ctx, device, e.cfg.AdminMount)
	if err != nil {
		return fmt.Errorf("mount top-level subvolume: %w", err)
	}
	defer func() {
		if err := admin.Release(); err != nil {
			log.Warnf("[Prune] failed to release admin mount %s: %v", admin.Path, err)
		}
	}()

	snapDir := filepath.Join(admin.Path, e.cfg.SnapshotsDir)
	return fn(&session{admin: admin, snapDir: snapDir, meta: e.metaFS(snapDir)})
}

// listCandidates returns snapshot numbers present under the metadata root
// that are not kept.
func listCandidates(s *session, keep KeepSet) ([]int, error) {
	entries, err := s.meta.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.snapDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return candidates(names, keep), nil
}

// Plan returns the snapshot numbers a prune with keep would delete.
func (e *Engine) Plan(ctx context.Context, keep KeepSet) ([]int, error) {
	var planned []int
	err := e.withAdmin(ctx, func(s *session) error {
		var err error
		planned, err = listCandidates(s, keep)
		return err
	})
	return planned, err
}

// Prune deletes every snapshot not in keep. The default subvolume is first
// pointed at the running subvolume; failing that is fatal. After that each
// candidate is best-effort: failures are logged and recorded in the report.
func (e *Engine) Prune(ctx context.Context, keep KeepSet) (*Report, error) {
	rep := &Report{Keep: keep}
	err := e.withAdmin(ctx, func(s *session) error {
		planned, err := listCandidates(s, keep)
		if rep.Steps.Record("list snapshots", util.Fatal, err) != nil {
			return err
		}
		rep.Planned = planned
		if len(planned) == 0 {
			log.Infof("[Prune] nothing to delete, keeping %s", keep)
			return nil
		}

		if err := rep.Steps.Record("pin default subvolume", util.Fatal, e.pinDefault(ctx, s)); err != nil {
			return err
		}

		for _, n := range planned {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.pruneOne(ctx, s, n, rep)
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	log.Infof("[Prune] deleted %d of %d snapshots (%d subvolumes), %d failed, %d skipped",
		len(rep.Deleted), len(rep.Planned), rep.Subvolumes, len(rep.Failed), len(rep.Skipped))
	return rep, nil
}

// pinDefault sets the default subvolume to the one mounted at /.
func (e *Engine) pinDefault(ctx context.Context, s *session) error {
	id, err := e.btrfs.ID(ctx, "/")
	if err != nil {
		return fmt.Errorf("%w: active subvolume id: %v", common.ErrNoDefault, err)
	}
	if err := e.btrfs.SetDefault(ctx, id, s.admin.Path); err != nil {
		return fmt.Errorf("set default subvolume to %d: %w", id, err)
	}
	log.Debugf("[Prune] default subvolume pinned to %d", id)
	return nil
}

func (e *Engine) pruneOne(ctx context.Context, s *session, n int, rep *Report) {
	name := strconv.Itoa(n)

	if e.cfg.RecheckLive && e.isLive(ctx, n) {
		log.Warnf("[Prune] snapshot %d is now mounted at /, skipping", n)
		rep.Skipped = append(rep.Skipped, n)
		return
	}

	subvol := filepath.Join(s.snapDir, name, e.cfg.SnapshotSubvolume)
	var delErr error
	if _, err := os.Lstat(subvol); err == nil {
		delErr = e.deleteTree(ctx, s, subvol, rep)
	} else if !os.IsNotExist(err) {
		delErr = err
	}
	if delErr != nil {
		log.Warnf("[Prune] snapshot %d: %v", n, delErr)
		rep.Failed = append(rep.Failed, n)
	} else {
		rep.Deleted = append(rep.Deleted, n)
	}
	_ = rep.Steps.Record("delete snapshot "+name, util.Advisory, delErr)

	// metadata goes regardless of the subvolume outcome
	metaErr := billyutil.RemoveAll(s.meta, name)
	if metaErr != nil {
		log.Warnf("[Prune] snapshot %d metadata: %v", n, metaErr)
	} else {
		rep.MetadataRemoved = append(rep.MetadataRemoved, n)
	}
	_ = rep.Steps.Record("remove metadata "+name, util.Advisory, metaErr)
}

// isLive re-reads the root mount. An unreadable mount table counts as live.
func (e *Engine) isLive(ctx context.Context, n int) bool {
	root, err := e.mounts.Root(ctx)
	if err != nil {
		log.Warnf("[Prune] cannot re-check root mount: %v", err)
		return true
	}
	cur, ok := root.SnapshotID()
	return ok && cur == n
}

// deleteTree deletes the subvolume at p after all of its nested subvolumes,
// deepest first.
func (e *Engine) deleteTree(ctx context.Context, s *session, p string, rep *Report) error {
	var errs []error
	for _, child := range e.children(ctx, s, p) {
		if err := e.deleteTree(ctx, s, child, rep); err != nil {
			errs = append(errs, err)
		}
	}

	if e.mounts.IsMounted(ctx, p) {
		if err := e.mounts.LazyUnmount(ctx, p); err != nil {
			log.Warnf("[Prune] %v", err)
		}
	}
	e.makeWritable(ctx, p)

	err := util.Retry(func() error {
		return e.btrfs.Delete(ctx, p)
	}, util.RetryOnceOptions(ctx, func(err error) {
		log.Debugf("[Prune] delete %s failed (%v), rescanning children", p, err)
		for _, child := range e.children(ctx, s, p) {
			if err := e.deleteTree(ctx, s, child, rep); err != nil {
				log.Warnf("[Prune] %v", err)
			}
		}
	})...)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", p, err))
		return errors.Join(errs...)
	}
	rep.Subvolumes++
	log.Debugf("[Prune] deleted subvolume %s", p)
	return nil
}

// makeWritable clears the ro property of p when it is set or unknown.
// Failures are logged; the delete that follows reports the real error.
func (e *Engine) makeWritable(ctx context.Context, p string) {
	if ro, err := e.btrfs.IsReadOnly(ctx, p); err == nil && !ro {
		return
	}
	if err := e.btrfs.SetReadOnly(ctx, p, false); err != nil {
		log.Warnf("[Prune] clear read-only on %s: %v", p, err)
		return
	}
	if ro, err := e.btrfs.IsReadOnly(ctx, p); err == nil && ro {
		log.Warnf("[Prune] %s is still read-only", p)
	}
}

// children returns absolute paths of the direct child subvolumes of p,
// deepest first. Listing errors are logged and yield no children.
func (e *Engine) children(ctx context.Context, s *session, p string) []string {
	subs, err := e.btrfs.Children(ctx, p)
	if err != nil {
		log.Warnf("[Prune] list children of %s: %v", p, err)
		return nil
	}
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, filepath.Join(s.admin.Path, filepath.FromSlash(sub.Path)))
	}
	return out
}
