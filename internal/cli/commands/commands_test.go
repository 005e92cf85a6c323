package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/registry"
	"microprep/internal/util/runnertest"
)

const listing = "number;pre-number;active;default;date;description;userdata\n" +
	"0;;no;no;;current;\n" +
	"1;;no;no;2024-01-01 10:00:00;first;\n" +
	"5;;yes;yes;2024-01-05 10:00:00;fifth;\n"

// execute runs the CLI against f with a config written to a temp dir.
func execute(t *testing.T, f *runnertest.Fake, c *config.Config, stdin string, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, config.Save(path, c))

	prev := runner
	runner = f
	t.Cleanup(func() { runner = prev })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--config", path, "--log-level", "none"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) *config.Config {
	c := config.Default()
	c.LogDir = filepath.Join(t.TempDir(), "log")
	return c
}

func TestSetupLogging(t *testing.T) {
	defer log.SetOutput(os.Stderr)
	defer log.SetLevel(log.InfoLevel)

	var buf bytes.Buffer
	setupLogging(&buf, "debug")
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	log.Debug("hello")
	assert.Contains(t, buf.String(), "hello")

	buf.Reset()
	setupLogging(&buf, "none")
	log.Warn("dropped")
	assert.Empty(t, buf.String())

	setupLogging(&buf, "WARN")
	assert.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestRunDryRun(t *testing.T) {
	f := runnertest.New()
	out, err := execute(t, f, testConfig(t), "", "run", "-m", "clear id", "--", "truncate", "-s", "0", "/etc/machine-id")
	require.NoError(t, err)
	assert.Contains(t, out, "truncate -s 0 /etc/machine-id")
	assert.Contains(t, out, "--apply")
	assert.Empty(t, f.CallsWithPrefix("transactional-update"))
}

func TestRunApply(t *testing.T) {
	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	f.On("transactional-update", runnertest.Response{Stdout: "done\n"})

	out, err := execute(t, f, testConfig(t), "", "run", "--apply", "--key", "machine-id", "--", "true")
	runApply = false
	runKey = ""
	require.NoError(t, err)
	assert.Contains(t, out, "Transaction machine-id finished with status 0")
	assert.Len(t, f.CallsWithPrefix("transactional-update --non-interactive --continue run /bin/sh -s"), 1)
}

func TestRunWriteFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "90-image.conf")
	require.NoError(t, os.WriteFile(src, []byte("net.ipv4.ip_forward = 1\n"), 0600))

	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	f.On("transactional-update", runnertest.Response{Stdout: "done\n"})

	out, err := execute(t, f, testConfig(t), "", "run", "--apply", "--write-file", "/etc/sysctl.d/90-image.conf="+src)
	runApply = false
	runWriteFiles = nil
	require.NoError(t, err)
	assert.Contains(t, out, "finished with status 0")

	var script string
	for i, c := range f.Calls() {
		if strings.HasPrefix(c, "transactional-update ") {
			script = f.Stdin(i)
		}
	}
	assert.Contains(t, script, "net.ipv4.ip_forward = 1")
	assert.Contains(t, script, "chmod 0600 /etc/sysctl.d/90-image.conf")
	assert.NotContains(t, script, src, "content is inlined")
}

func TestRunRequiresCommandOrFile(t *testing.T) {
	_, err := execute(t, runnertest.New(), testConfig(t), "", "run")
	assert.ErrorContains(t, err, "requires a command or --write-file")

	_, err = execute(t, runnertest.New(), testConfig(t), "", "run", "--write-file", "relative=x")
	runWriteFiles = nil
	assert.ErrorContains(t, err, "invalid --write-file")
}

func TestSnapshotsSaveViewAndAnnotate(t *testing.T) {
	dir := t.TempDir()
	viewPath := filepath.Join(dir, "before.yaml")

	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	_, err := execute(t, f, testConfig(t), "", "snapshots", "save-view", "--out", viewPath)
	require.NoError(t, err)

	data, err := os.ReadFile(viewPath)
	require.NoError(t, err)
	var saved registry.View
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.True(t, saved.Available)
	assert.Len(t, saved.Records, 3)

	f = runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing + "6;;no;no;2024-01-06 10:00:00;;\n"})
	out, err := execute(t, f, testConfig(t), "", "snapshots", "annotate", "--before", viewPath, "-m", "manual run")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot 6: parent=5")
	assert.Len(t, f.CallsWithPrefix("snapper --no-dbus -c root modify"), 1)
}

func TestPruneDryRun(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t)
	c.Prune.AdminMount = filepath.Join(dir, "admin")
	c.Prune.LockPath = filepath.Join(dir, "prune.lock")
	for _, n := range []string{"0", "1", "3", "5"} {
		require.NoError(t, os.MkdirAll(filepath.Join(c.Prune.AdminMount, "@", ".snapshots", n, "snapshot"), 0755))
	}

	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	f.OnFunc("findmnt", func(argv []string) runnertest.Response {
		if argv[len(argv)-1] != "/" {
			return runnertest.Response{ExitCode: 1}
		}
		return runnertest.Response{Stdout: "/ /dev/vda3[/@/.snapshots/5/snapshot] btrfs rw,subvol=/@/.snapshots/5/snapshot\n"}
	})

	out, err := execute(t, f, c, "", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Running snapshot: 5")
	assert.Contains(t, out, "Default snapshot: 5 (from registry)")
	assert.Contains(t, out, "Keep: {0,5}")
	assert.Contains(t, out, "Delete: [1 3]")
	assert.Contains(t, out, "Dry run")
	assert.Empty(t, f.CallsWithPrefix("btrfs subvolume delete"))
	assert.Len(t, f.CallsWithPrefix("mount -o subvolid=5 /dev/vda3 "+c.Prune.AdminMount), 1)
}

func TestPruneApplyCancelled(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t)
	c.Prune.AdminMount = filepath.Join(dir, "admin")
	c.Prune.LockPath = filepath.Join(dir, "prune.lock")
	require.NoError(t, os.MkdirAll(filepath.Join(c.Prune.AdminMount, "@", ".snapshots", "2", "snapshot"), 0755))

	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	f.OnFunc("findmnt", func(argv []string) runnertest.Response {
		if argv[len(argv)-1] != "/" {
			return runnertest.Response{ExitCode: 1}
		}
		return runnertest.Response{Stdout: "/ /dev/vda3 btrfs rw,subvol=/@/.snapshots/5/snapshot\n"}
	})

	out, err := execute(t, f, c, "n\n", "prune", "--apply")
	pruneApply = false
	require.NoError(t, err)
	assert.Contains(t, out, "Prune cancelled")
	assert.Empty(t, f.CallsWithPrefix("btrfs subvolume"))
	assert.DirExists(t, filepath.Join(c.Prune.AdminMount, "@", ".snapshots", "2", "snapshot"))
}

func TestPruneNotSnapshotBoot(t *testing.T) {
	f := runnertest.New()
	f.On("findmnt", runnertest.Response{Stdout: "/ /dev/vda3 btrfs rw,subvol=/@\n"})
	_, err := execute(t, f, testConfig(t), "", "prune")
	require.ErrorIs(t, err, common.ErrNotSnapshotBoot)
	assert.True(t, strings.HasPrefix(err.Error(), "running snapshot: "), err.Error())
	assert.Empty(t, f.CallsWithPrefix("mount "))
}

func TestPruneApplyPinFailure(t *testing.T) {
	dir := t.TempDir()
	c := testConfig(t)
	c.Prune.AdminMount = filepath.Join(dir, "admin")
	c.Prune.LockPath = filepath.Join(dir, "prune.lock")
	require.NoError(t, os.MkdirAll(filepath.Join(c.Prune.AdminMount, "@", ".snapshots", "2", "snapshot"), 0755))

	f := runnertest.New()
	f.On("snapper", runnertest.Response{Stdout: listing})
	f.OnFunc("findmnt", func(argv []string) runnertest.Response {
		if argv[len(argv)-1] != "/" {
			return runnertest.Response{ExitCode: 1}
		}
		return runnertest.Response{Stdout: "/ /dev/vda3 btrfs rw,subvol=/@/.snapshots/5/snapshot\n"}
	})
	f.On("btrfs subvolume show /", runnertest.Response{Stdout: "@/.snapshots/5/snapshot\n\tSubvolume ID:\t\t268\n"})
	f.On("btrfs subvolume set-default", runnertest.Response{ExitCode: 1})

	_, err := execute(t, f, c, "", "prune", "--apply", "-y")
	pruneApply = false
	pruneSkipConfirm = false
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "pin default subvolume: "), err.Error())
	assert.Empty(t, f.CallsWithPrefix("btrfs subvolume delete"))
	assert.DirExists(t, filepath.Join(c.Prune.AdminMount, "@", ".snapshots", "2", "snapshot"))
}

// moduleConfig lays out a module tree and an empty /proc/modules under a temp dir.
func moduleConfig(t *testing.T, files ...string) *config.Config {
	dir := t.TempDir()
	c := testConfig(t)
	c.Modules.Base = filepath.Join(dir, "modules")
	c.Modules.KernelVersion = "6.4.0-1-default"
	c.Modules.ProcRoot = filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(c.Modules.ProcRoot, "proc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(c.Modules.ProcRoot, "proc", "modules"), nil, 0644))
	for _, f := range files {
		p := filepath.Join(c.Modules.Root(c.Modules.KernelVersion), f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, make([]byte, 64), 0644))
	}
	return c
}

func TestModulesPurgeDryRun(t *testing.T) {
	c := moduleConfig(t, "kernel/sound/core/snd.ko.zst", "kernel/fs/btrfs/btrfs.ko.zst")
	c.Modules.Protected = nil

	out, err := execute(t, runnertest.New(), c, "", "modules", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Plan: 1 of 2 module files")
	assert.Contains(t, out, "kernel/sound/core/snd.ko.zst")
	assert.Contains(t, out, "Dry run")
}

func TestModulesPlanProtected(t *testing.T) {
	c := moduleConfig(t, "kernel/sound/core/snd.ko.zst")
	c.Modules.Protected = []string{"kernel/sound/core/"}

	f := runnertest.New()
	out, err := execute(t, f, c, "", "modules", "plan")
	require.ErrorIs(t, err, common.ErrPolicyViolation)
	assert.Contains(t, out, "  ! kernel/sound/core/snd.ko.zst")
	assert.Contains(t, out, "Protected patterns: kernel/sound/core/")
	assert.Empty(t, f.CallsWithPrefix("transactional-update"))
	assert.FileExists(t, filepath.Join(c.Modules.Root(c.Modules.KernelVersion), "kernel/sound/core/snd.ko.zst"))
}

func TestBootcfgDryRun(t *testing.T) {
	f := runnertest.New()
	f.On("transactional-update --help", runnertest.Response{Stdout: "General Commands:\ncleanup   Mark snapshots\n"})
	out, err := execute(t, f, testConfig(t), "", "bootcfg")
	require.NoError(t, err)
	assert.Contains(t, out, "Method: grub2-mkconfig payload")
	assert.Contains(t, out, "grub2-mkconfig -o /boot/grub2/grub.cfg")
	assert.Empty(t, f.CallsWithPrefix("transactional-update --non-interactive"))
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "settings.yaml")

	out, err := execute(t, runnertest.New(), testConfig(t), "", "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default settings to "+path)
	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)

	_, err = execute(t, runnertest.New(), testConfig(t), "", "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, runnertest.New(), testConfig(t), "", "config", "init", "--config", path, "--force")
	configForce = false
	require.NoError(t, err)

	c := testConfig(t)
	c.Prune.ExtraKeep = []int{7}
	out, err = execute(t, runnertest.New(), c, "", "config", "show")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, []int{7}, shown.Prune.ExtraKeep)
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "abc", "1700000000")
	out, err := execute(t, runnertest.New(), testConfig(t), "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "microprep version 1.2.3 (2023-11-1"), out)
}
