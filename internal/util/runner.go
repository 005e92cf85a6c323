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

package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"microprep/internal/common"
)

// Runner executes external tools. Every system primitive (snapper, btrfs,
// transactional-update, mount, modinfo) goes through it so tests can script them.
type Runner interface {
	// Output runs the command and returns its stdout.
	// A non-zero exit is returned as an error that includes stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)

	// Stream runs the command with stdout and stderr both written to w.
	// stdin may be nil. A non-zero exit is reported through the exit code,
	// not the error.
	Stream(ctx context.Context, stdin io.Reader, w io.Writer, name string, args ...string) (int, error)

	// LookPath resolves a tool name.
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Env []string // nil means inherit the current environment
}

// NewExecRunner returns a runner that inherits the current environment.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) command(ctx context.Context, name string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	} else {
		cmd.Env = os.Environ()
	}
	return cmd
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, name, args)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, commandError(name, args, err, stderr.String())
	}
	return out, nil
}

func (r *ExecRunner) Stream(ctx context.Context, stdin io.Reader, w io.Writer, name string, args ...string) (int, error) {
	cmd := r.command(ctx, name, args)
	cmd.Stdin = stdin
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, commandError(name, args, err, "")
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrToolMissing, name)
	}
	return p, nil
}

// commandError formats a failed invocation; a missing binary maps to ErrToolMissing
func commandError(name string, args []string, err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s", common.ErrToolMissing, name)
	}
	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return fmt.Errorf("%s: %w: %s", cmdline, err, stderr)
	}
	return fmt.Errorf("%s: %w", cmdline, err)
}

// RequireTools fails with ErrToolMissing naming every tool that cannot be resolved.
func RequireTools(r Runner, names ...string) error {
	var missing []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := r.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", common.ErrToolMissing, strings.Join(missing, ", "))
	}
	return nil
}
