package btrfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microprep/internal/util/runnertest"
)

const listing = `ID 260 gen 40 top level 259 path @/.snapshots/1/snapshot
ID 270 gen 52 top level 260 path @/.snapshots/1/snapshot/var/lib/machines
ID 271 gen 53 top level 270 path @/.snapshots/1/snapshot/var/lib/machines/vm1
ID 272 gen 54 top level 260 path @/.snapshots/1/snapshot/srv
`

func TestParseList(t *testing.T) {
	subs, err := ParseList(listing)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	assert.Equal(t, Subvolume{ID: 260, Gen: 40, TopLevel: 259, Path: "@/.snapshots/1/snapshot"}, subs[0])

	t.Run("fs tree prefix and extra columns", func(t *testing.T) {
		subs, err := ParseList("ID 300 gen 9 cgen 8 top level 5 parent 5 otime 2024-01-02 10:00:00 path <FS_TREE>/@/home\n")
		require.NoError(t, err)
		assert.Equal(t, []Subvolume{{ID: 300, Gen: 9, TopLevel: 5, Path: "@/home"}}, subs)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseList("ERROR: can't access '/x'\n")
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		subs, err := ParseList("\n")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestDirectChildren(t *testing.T) {
	subs, err := ParseList(`ID 270 gen 52 top level 260 path @/.snapshots/1/snapshot/var/lib/machines
ID 271 gen 53 top level 270 path @/.snapshots/1/snapshot/var/lib/machines/vm1
ID 272 gen 54 top level 260 path @/.snapshots/1/snapshot/srv
`)
	require.NoError(t, err)

	direct := DirectChildren(subs)
	var ids []int
	for _, s := range direct {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []int{270, 272}, ids)
}

func TestSortDeepestFirst(t *testing.T) {
	subs := []Subvolume{
		{ID: 1, Path: "a/b"},
		{ID: 2, Path: "a/b/c/d"},
		{ID: 3, Path: "a/x"},
		{ID: 4, Path: "a/bb/c"},
	}
	SortDeepestFirst(subs)
	var paths []string
	for _, s := range subs {
		paths = append(paths, s.Path)
	}
	assert.Equal(t, []string{"a/b/c/d", "a/bb/c", "a/x", "a/b"}, paths)
}

func TestChildren(t *testing.T) {
	f := runnertest.New().On("btrfs subvolume list -o /mnt/admin/@/.snapshots/1/snapshot", runnertest.Response{Stdout: `ID 270 gen 52 top level 260 path @/.snapshots/1/snapshot/var/lib/machines
ID 271 gen 53 top level 270 path @/.snapshots/1/snapshot/var/lib/machines/vm1
ID 272 gen 54 top level 260 path @/.snapshots/1/snapshot/srv
`})
	c := New(f, "")

	children, err := c.Children(context.Background(), "/mnt/admin/@/.snapshots/1/snapshot")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, 270, children[0].ID, "longer path first")
	assert.Equal(t, 272, children[1].ID)
}

func TestID(t *testing.T) {
	f := runnertest.New().On("btrfs subvolume show /", runnertest.Response{Stdout: `@/.snapshots/5/snapshot
	Name: 			snapshot
	UUID: 			2b1f6a6e-0000-4000-8000-000000000000
	Subvolume ID: 		268
	Generation: 		1234
	Parent ID: 		267
`})
	c := New(f, "btrfs")

	id, err := c.ID(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, 268, id)

	f.On("btrfs subvolume show /x", runnertest.Response{Stdout: "nothing useful\n"})
	_, err = c.ID(context.Background(), "/x")
	assert.Error(t, err)
}

func TestGetDefault(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot", func(t *testing.T) {
		f := runnertest.New().On("btrfs subvolume get-default /", runnertest.Response{Stdout: "ID 268 gen 1234 top level 267 path @/.snapshots/5/snapshot\n"})
		sub, err := New(f, "").GetDefault(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, 268, sub.ID)
		n, ok := SnapshotNumber(sub.Path)
		assert.True(t, ok)
		assert.Equal(t, 5, n)
	})

	t.Run("top level", func(t *testing.T) {
		f := runnertest.New().On("btrfs subvolume get-default /", runnertest.Response{Stdout: "ID 5 (FS_TREE)\n"})
		sub, err := New(f, "").GetDefault(ctx, "/")
		require.NoError(t, err)
		assert.Equal(t, TopLevelID, sub.ID)
	})
}

func TestPropertyAndMutations(t *testing.T) {
	f := runnertest.New().On("btrfs property get -ts /s ro", runnertest.Response{Stdout: "ro=true\n"})
	c := New(f, "")
	ctx := context.Background()

	ro, err := c.IsReadOnly(ctx, "/s")
	require.NoError(t, err)
	assert.True(t, ro)

	require.NoError(t, c.SetReadOnly(ctx, "/s", false))
	require.NoError(t, c.Delete(ctx, "/s"))
	require.NoError(t, c.SetDefault(ctx, 268, "/mnt/admin"))

	assert.Equal(t, []string{
		"btrfs property get -ts /s ro",
		"btrfs property set -ts /s ro false",
		"btrfs subvolume delete /s",
		"btrfs subvolume set-default 268 /mnt/admin",
	}, f.Calls())
}

func TestSnapshotNumber(t *testing.T) {
	tests := []struct {
		path string
		want int
		ok   bool
	}{
		{"@/.snapshots/12/snapshot", 12, true},
		{".snapshots/3/snapshot/", 3, true},
		{"@/.snapshots/3/snapshot/srv", 0, false},
		{"@/home", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			n, ok := SnapshotNumber(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}
