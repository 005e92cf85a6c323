package mounts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/util"
	"microprep/internal/util/runnertest"
)

const rootLine = "/ /dev/vda3[/@/.snapshots/5/snapshot] btrfs ro,relatime,ssd,space_cache=v2,subvolid=268,subvol=/@/.snapshots/5/snapshot\n"

func newTable(f *runnertest.Fake) *Table {
	tbl := New(f, config.Default().Tools)
	tbl.poll = util.PollConfig{Timeout: time.Second, Interval: 5 * time.Millisecond}
	return tbl
}

func TestEntry(t *testing.T) {
	e := Entry{
		Source:  "/dev/vda3[/@/.snapshots/5/snapshot]",
		Options: "ro,relatime,subvolid=268,subvol=/@/.snapshots/5/snapshot",
	}
	assert.Equal(t, "/dev/vda3", e.Device())
	assert.True(t, e.HasOption("ro"))
	assert.False(t, e.HasOption("rw"))

	id, ok := e.SnapshotID()
	assert.True(t, ok)
	assert.Equal(t, 5, id)
}

func TestSnapshotID(t *testing.T) {
	tests := []struct {
		options string
		want    int
		ok      bool
	}{
		{"subvol=/@/.snapshots/12/snapshot", 12, true},
		{"rw,subvol=@/.snapshots/3/snapshot,compress=zstd", 3, true},
		{"rw,subvol=/@", 0, false},
		{"subvol=/@/.snapshots/7/snapshot2", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.options, func(t *testing.T) {
			id, ok := Entry{Options: tt.options}.SnapshotID()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestRoot(t *testing.T) {
	f := runnertest.New().On("findmnt -n -r -o TARGET,SOURCE,FSTYPE,OPTIONS --mountpoint /", runnertest.Response{Stdout: rootLine})
	tbl := newTable(f)

	root, err := tbl.Root(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/", root.Target)
	assert.Equal(t, "btrfs", root.FSType)
	assert.Equal(t, "/dev/vda3", root.Device())
}

func TestLookupNotMounted(t *testing.T) {
	f := runnertest.New().On("findmnt", runnertest.Response{ExitCode: 1})
	tbl := newTable(f)

	_, err := tbl.Lookup(context.Background(), "/mnt/nothing")
	assert.ErrorIs(t, err, common.ErrNotMounted)
	assert.False(t, tbl.IsMounted(context.Background(), "/mnt/nothing"))
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "/mnt/with space", unescape(`/mnt/with\x20space`))
	assert.Equal(t, "/plain", unescape("/plain"))
	assert.Equal(t, `/bad\xZZ`, unescape(`/bad\xZZ`))
}

// fakeMountTable keeps a single mount point's state in sync with mount/umount calls.
func fakeMountTable(f *runnertest.Fake, target string) {
	var mu sync.Mutex
	mounted := false
	source, options := "", ""
	f.OnFunc("findmnt", func(argv []string) runnertest.Response {
		mu.Lock()
		defer mu.Unlock()
		if mounted && argv[len(argv)-1] == target {
			return runnertest.Response{Stdout: target + " " + source + " btrfs rw," + options + "\n"}
		}
		return runnertest.Response{ExitCode: 1}
	})
	// mount -o <options> <device> <target>
	f.OnFunc("mount ", func(argv []string) runnertest.Response {
		mu.Lock()
		defer mu.Unlock()
		mounted = true
		options, source = argv[2], argv[3]
		return runnertest.Response{}
	})
	f.OnFunc("umount -l", func([]string) runnertest.Response {
		mu.Lock()
		defer mu.Unlock()
		mounted = false
		return runnertest.Response{}
	})
}

func TestAdminMountLifecycle(t *testing.T) {
	target := filepath.Join(t.TempDir(), "admin")
	f := runnertest.New()
	fakeMountTable(f, target)
	tbl := newTable(f)
	ctx := context.Background()

	admin, err := tbl.AcquireAdmin(ctx, "/dev/vda3", target)
	require.NoError(t, err)
	assert.Equal(t, target, admin.Path)
	assert.True(t, tbl.IsMounted(ctx, target))
	assert.Equal(t, []string{"mount -o subvolid=5 /dev/vda3 " + target}, f.CallsWithPrefix("mount "))

	require.NoError(t, admin.Release())
	assert.False(t, tbl.IsMounted(ctx, target))
	assert.Len(t, f.CallsWithPrefix("umount -l"), 1)
}

func TestAcquireAdminReusesTopLevelMount(t *testing.T) {
	target := filepath.Join(t.TempDir(), "admin")
	f := runnertest.New()
	fakeMountTable(f, target)
	tbl := newTable(f)
	ctx := context.Background()

	require.NoError(t, tbl.Mount(ctx, "/dev/vda3", target, "subvolid=5"))

	admin, err := tbl.AcquireAdmin(ctx, "/dev/vda3", target)
	require.NoError(t, err)
	assert.Empty(t, f.CallsWithPrefix("umount -l"), "existing top-level mount kept")
	assert.Len(t, f.CallsWithPrefix("mount "), 1)

	require.NoError(t, admin.Release())
	assert.False(t, tbl.IsMounted(ctx, target), "released on exit")
}

func TestAcquireAdminDetachesOtherMount(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		options string
	}{
		{"other subvolume", "/dev/vda3", "subvol=/@/home"},
		{"other device", "/dev/vdb1", "subvolid=5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := filepath.Join(t.TempDir(), "admin")
			f := runnertest.New()
			fakeMountTable(f, target)
			tbl := newTable(f)
			ctx := context.Background()

			require.NoError(t, tbl.Mount(ctx, tt.device, target, tt.options))

			admin, err := tbl.AcquireAdmin(ctx, "/dev/vda3", target)
			require.NoError(t, err)
			defer admin.Release()

			assert.Len(t, f.CallsWithPrefix("umount -l"), 1, "foreign mount detached first")
			assert.Equal(t, "mount -o subvolid=5 /dev/vda3 "+target, f.CallsWithPrefix("mount ")[1])
		})
	}
}

func TestLazyUnmountNotMounted(t *testing.T) {
	f := runnertest.New().On("findmnt", runnertest.Response{ExitCode: 1})
	tbl := newTable(f)

	require.NoError(t, tbl.LazyUnmount(context.Background(), "/mnt/x"))
	assert.Empty(t, f.CallsWithPrefix("umount"))
}

func TestReleaseNil(t *testing.T) {
	var a *AdminMount
	assert.NoError(t, a.Release())
}
