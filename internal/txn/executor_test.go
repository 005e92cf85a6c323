package txn

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microprep/internal/common"
	"microprep/internal/config"
	"microprep/internal/registry"
	"microprep/internal/util/runnertest"
)

const (
	header = "number;pre-number;active;default;date;description;userdata\n"
	before = header + "0;;no;no;;current;\n1;;yes;yes;2024-01-01 10:00:00;first;\n"
	after  = before + "2;;no;no;2024-01-05 10:00:00;;\n"
)

// registryFake serves the before listing on the first read and after on later ones.
func registryFake(f *runnertest.Fake) {
	var reads atomic.Int32
	f.OnFunc("snapper --no-dbus -c root --csvout", func([]string) runnertest.Response {
		if reads.Add(1) == 1 {
			return runnertest.Response{Stdout: before}
		}
		return runnertest.Response{Stdout: after}
	})
}

func newExecutor(t *testing.T, f *runnertest.Fake) (*Executor, *config.Config) {
	cfg := config.Default()
	cfg.LogDir = filepath.Join(t.TempDir(), "log")
	reader := registry.NewReader(f, cfg.Tools, cfg.Registry)
	return NewExecutor(f, cfg, reader), cfg
}

func TestExecutorArgs(t *testing.T) {
	e, _ := newExecutor(t, runnertest.New())
	assert.Equal(t, []string{"--non-interactive", "--continue", "run", "/bin/sh", "-s"}, e.Args())

	e.cfg.Continue = false
	e.cfg.NonInteractive = false
	e.cfg.Shell = ""
	assert.Equal(t, []string{"run", "/bin/sh", "-s"}, e.Args())
}

func TestExecutorRun(t *testing.T) {
	g := NewWithT(t)
	f := runnertest.New()
	registryFake(f)
	f.On("transactional-update", runnertest.Response{Stdout: "Creating snapshot 2\nok\n"})

	e, _ := newExecutor(t, f)
	var live bytes.Buffer
	e.Out = &live

	p := Payload{
		Key:         "6.4.0-1-default",
		Description: "purge modules",
		Steps:       []Step{Command("depmod", "depmod", "-a", "6.4.0-1-default")},
	}
	res, err := e.Run(context.Background(), p)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(res.Err()).NotTo(HaveOccurred())
	g.Expect(res.ExitCode).To(BeZero())
	g.Expect(res.Output).To(ContainSubstring("Creating snapshot 2"))
	g.Expect(live.String()).To(Equal(res.Output))

	logged, err := os.ReadFile(res.LogPath)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(logged)).To(Equal(res.Output))
	g.Expect(filepath.Base(res.LogPath)).To(Equal("6.4.0-1-default.log"))

	g.Expect(res.Annotation.NewIDs()).To(Equal([]int{2}))
	g.Expect(res.Annotation.Written).To(Equal(1))

	// before read, transaction, after read, annotation write
	calls := f.Calls()
	g.Expect(calls).To(HaveLen(4))
	g.Expect(calls[0]).To(HavePrefix("snapper --no-dbus -c root --csvout"))
	g.Expect(calls[1]).To(Equal("transactional-update --non-interactive --continue run /bin/sh -s"))
	g.Expect(calls[2]).To(HavePrefix("snapper --no-dbus -c root --csvout"))
	g.Expect(calls[3]).To(Equal("snapper --no-dbus -c root modify --description purge modules --userdata parent=1 2"))

	g.Expect(f.Stdin(1)).To(ContainSubstring("depmod -a 6.4.0-1-default"))
}

func TestExecutorAnnotatesOnFailure(t *testing.T) {
	f := runnertest.New()
	registryFake(f)
	f.On("transactional-update", runnertest.Response{Stdout: "boom\n", ExitCode: 1})

	e, _ := newExecutor(t, f)
	res, err := e.Run(context.Background(), Payload{Steps: []Step{Command("x", "false")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Error(t, res.Err())
	assert.Equal(t, []int{2}, res.Annotation.NewIDs())
	assert.NotEmpty(t, res.Key, "generated key")
	assert.FileExists(t, res.LogPath)
}

func TestExecutorToolMissing(t *testing.T) {
	f := runnertest.New().Missing("transactional-update")
	e, _ := newExecutor(t, f)

	_, err := e.Run(context.Background(), Payload{Steps: []Step{Command("x", "true")}})
	assert.ErrorIs(t, err, common.ErrToolMissing)
	assert.Empty(t, f.Calls(), "nothing runs without the tool")
}

func TestExecutorWithoutRegistry(t *testing.T) {
	f := runnertest.New().Missing("snapper")
	f.On("transactional-update", runnertest.Response{Stdout: "ok\n"})
	e, _ := newExecutor(t, f)

	res, err := e.Run(context.Background(), Payload{Key: "k", Steps: []Step{Command("x", "true")}})
	require.NoError(t, err)
	assert.False(t, res.Annotation.Available)
	assert.Empty(t, res.Annotation.Labels)
}

func TestLogName(t *testing.T) {
	assert.Equal(t, "6.4.0-1-default", logName("6.4.0-1-default"))
	assert.Equal(t, "a_b_c", logName("a/b c"))
	assert.Equal(t, "_etc_passwd", logName("../etc/passwd"))
	assert.Equal(t, "txn", logName(""))
}

func TestExecutorRunCommand(t *testing.T) {
	f := runnertest.New()
	registryFake(f)
	f.On("transactional-update", runnertest.Response{Stdout: "grub.cfg written\n"})

	e, _ := newExecutor(t, f)
	res, err := e.RunCommand(context.Background(), "bootcfg", "regenerate boot menu", "grub.cfg")
	require.NoError(t, err)
	assert.Equal(t, "transactional-update --non-interactive --continue grub.cfg", f.Calls()[1])
	assert.Empty(t, f.Stdin(1))
	assert.Equal(t, []int{2}, res.Annotation.NewIDs())
	assert.Equal(t, "bootcfg.log", filepath.Base(res.LogPath))
}
