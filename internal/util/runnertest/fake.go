// Package runnertest provides a scripted util.Runner for tests.
package runnertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"microprep/internal/common"
)

// Response is what a scripted command produces.
type Response struct {
	Stdout   string
	ExitCode int
	Err      error
}

// Handler computes a response from the full argv (name first).
type Handler func(argv []string) Response

type rule struct {
	prefix  string
	handler Handler
}

// Fake records every invocation and answers from registered rules.
// Rules match on the space-joined command line prefix; the most recently
// registered matching rule wins. Unmatched commands succeed with no output.
type Fake struct {
	mu      sync.Mutex
	rules   []rule
	calls   [][]string
	stdin   []string
	missing map[string]bool
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{missing: make(map[string]bool)}
}

// On answers commands starting with prefix with a fixed response.
func (f *Fake) On(prefix string, resp Response) *Fake {
	return f.OnFunc(prefix, func([]string) Response { return resp })
}

// OnFunc answers commands starting with prefix with a computed response.
func (f *Fake) OnFunc(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, handler: h})
	return f
}

// Missing marks tools as not installed for LookPath and execution.
func (f *Fake) Missing(names ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.missing[n] = true
	}
	return f
}

// Calls returns every recorded command line, space-joined.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// CallsWithPrefix returns recorded command lines that start with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Argv returns the raw argv of the i-th call.
func (f *Fake) Argv(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[i]...)
}

// Stdin returns what the i-th call read from standard input.
func (f *Fake) Stdin(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin[i]
}

func (f *Fake) dispatch(name string, args []string, stdin string) Response {
	argv := append([]string{name}, args...)
	line := strings.Join(argv, " ")

	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.stdin = append(f.stdin, stdin)
	if f.missing[name] {
		f.mu.Unlock()
		return Response{ExitCode: -1, Err: fmt.Errorf("%w: %s", common.ErrToolMissing, name)}
	}
	var h Handler
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			h = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	if h == nil {
		return Response{}
	}
	return h(argv)
}

func (f *Fake) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	resp := f.dispatch(name, args, "")
	if resp.Err != nil {
		return []byte(resp.Stdout), resp.Err
	}
	if resp.ExitCode != 0 {
		return []byte(resp.Stdout), fmt.Errorf("%s: exit status %d", name, resp.ExitCode)
	}
	return []byte(resp.Stdout), nil
}

func (f *Fake) Stream(_ context.Context, stdin io.Reader, w io.Writer, name string, args ...string) (int, error) {
	var in string
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return -1, err
		}
		in = string(b)
	}
	resp := f.dispatch(name, args, in)
	if resp.Stdout != "" {
		_, _ = io.WriteString(w, resp.Stdout)
	}
	return resp.ExitCode, resp.Err
}

func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[name] {
		return "", fmt.Errorf("%w: %s", common.ErrToolMissing, name)
	}
	if strings.HasPrefix(name, "/") {
		return name, nil
	}
	return "/usr/bin/" + name, nil
}
