package txn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"microprep/internal/config"
	"microprep/internal/registry"
	"microprep/internal/util"
)

// RebootAdvisory is logged after every transaction.
const RebootAdvisory = "reboot before the next transactional change: a second transaction started now would replace this pending snapshot"

// Result describes one transactional run.
type Result struct {
	Key        string
	ExitCode   int
	LogPath    string
	Output     string
	Annotation registry.AnnotateResult
}

// Err reports a non-zero exit as an error.
func (r *Result) Err() error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("transaction %s exited with status %d (log: %s)", r.Key, r.ExitCode, r.LogPath)
}

// Executor hands payloads to transactional-update and annotates the
// snapshots they create.
type Executor struct {
	runner    util.Runner
	bin       string
	cfg       config.TransactionConfig
	logDir    string
	reader    *registry.Reader
	annotator *registry.Annotator

	// Out receives the live transaction output in addition to the log file.
	Out io.Writer
}

// NewExecutor creates an Executor.
func NewExecutor(r util.Runner, cfg *config.Config, reader *registry.Reader) *Executor {
	return &Executor{
		runner:    r,
		bin:       cfg.Tools.TransactionalUpdate,
		cfg:       cfg.Transaction,
		logDir:    cfg.LogDir,
		reader:    reader,
		annotator: registry.NewAnnotator(reader),
	}
}

// globalArgs returns the transactional-update options that precede the
// subcommand.
func (e *Executor) globalArgs() []string {
	var args []string
	if e.cfg.NonInteractive {
		args = append(args, "--non-interactive")
	}
	if e.cfg.Continue {
		args = append(args, "--continue")
	}
	return args
}

// Args returns the transactional-update argv (without the binary) for a
// payload run. The script itself goes to the shell on stdin.
func (e *Executor) Args() []string {
	shell := e.cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return append(e.globalArgs(), "run", shell, "-s")
}

// LogPath returns where output for key is written.
func (e *Executor) LogPath(key string) string {
	return filepath.Join(e.logDir, logName(key)+".log")
}

// Run executes p inside a new snapshot. The registry is read before the run
// and the new snapshot is annotated afterwards whatever the exit status.
// A non-zero exit is reported in Result, not as an error; errors mean the
// transaction could not be started.
func (e *Executor) Run(ctx context.Context, p Payload) (*Result, error) {
	script, err := p.Script()
	if err != nil {
		return nil, fmt.Errorf("render payload: %w", err)
	}
	return e.execute(ctx, p.Key, p.Description, strings.NewReader(script), e.Args())
}

// RunCommand runs a transactional-update subcommand such as grub.cfg with
// the same logging and annotation as Run.
func (e *Executor) RunCommand(ctx context.Context, key, description string, subcommand ...string) (*Result, error) {
	return e.execute(ctx, key, description, nil, append(e.globalArgs(), subcommand...))
}

func (e *Executor) execute(ctx context.Context, key, description string, stdin io.Reader, args []string) (*Result, error) {
	if err := util.RequireTools(e.runner, e.bin); err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.NewString()
	}
	res := &Result{Key: key, LogPath: e.LogPath(key)}

	if err := os.MkdirAll(e.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.Create(res.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction log: %w", err)
	}
	defer logFile.Close()

	before := e.reader.Read(ctx)
	log.Debugf("[Txn] %s: %d snapshots before run", key, len(before.Records))

	var captured bytes.Buffer
	writers := []io.Writer{logFile, &captured}
	if e.Out != nil {
		writers = append(writers, e.Out)
	}

	code, runErr := e.runner.Stream(ctx, stdin, io.MultiWriter(writers...), e.bin, args...)
	res.ExitCode = code
	res.Output = captured.String()

	// a snapshot may exist even when the payload failed
	res.Annotation = e.annotator.Annotate(ctx, description, before)
	if ids := res.Annotation.NewIDs(); len(ids) > 0 {
		log.Infof("[Txn] %s: new snapshot(s) %v", key, ids)
	}
	log.Warn(RebootAdvisory)

	if runErr != nil {
		return res, fmt.Errorf("transactional-update: %w", runErr)
	}
	if code != 0 {
		log.Warnf("[Txn] %s exited with status %d, see %s", key, code, res.LogPath)
	}
	return res, nil
}

// logName makes key safe as a file name.
func logName(key string) string {
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '+':
			return r
		}
		return '_'
	}, key)
	key = strings.TrimLeft(key, ".")
	if key == "" {
		return "txn"
	}
	return key
}
