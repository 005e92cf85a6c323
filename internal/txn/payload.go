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

// Package txn runs typed payloads inside a new snapshot through
// transactional-update.
package txn

import (
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"mvdan.cc/sh/v3/syntax"
)

// StepKind selects how a Step is rendered.
type StepKind int

const (
	KindCommand StepKind = iota
	KindWriteFile
	KindRemoveFiles
)

func (k StepKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindWriteFile:
		return "write-file"
	case KindRemoveFiles:
		return "remove-files"
	default:
		return "unknown"
	}
}

// File is a path scheduled for removal with its size for accounting.
type File struct {
	Path string
	Size int64
}

// Step is one unit of work inside the snapshot.
//
// A failing step aborts the payload unless Optional is set. IfExists skips
// the step when the path is absent inside the snapshot.
type Step struct {
	Kind     StepKind
	Name     string
	Optional bool
	IfExists string

	Argv []string // KindCommand

	Path    string      // KindWriteFile
	Content string      // KindWriteFile
	Mode    os.FileMode // KindWriteFile

	Files  []File // KindRemoveFiles
	Canary string // KindRemoveFiles
}

// Command returns a step running argv.
func Command(name string, argv ...string) Step {
	return Step{Kind: KindCommand, Name: name, Argv: argv}
}

// WriteFile returns a step writing content to path with mode.
func WriteFile(name, path, content string, mode os.FileMode) Step {
	return Step{Kind: KindWriteFile, Name: name, Path: path, Content: content, Mode: mode}
}

// RemoveFiles returns a step deleting files one by one. Individual failures
// are counted, never fatal. The step prints a summary line read back by
// ParseRemoveSummary.
func RemoveFiles(name string, files []File, canary string) Step {
	return Step{Kind: KindRemoveFiles, Name: name, Files: files, Canary: canary, Optional: true}
}

// Optionally marks the step as advisory.
func (s Step) Optionally() Step {
	s.Optional = true
	return s
}

// When guards the step on path existing.
func (s Step) When(path string) Step {
	s.IfExists = path
	return s
}

// Payload is everything that must run inside the new snapshot. It renders to
// a self-contained script: no file of the calling process is referenced.
type Payload struct {
	Key         string // log file key; empty means a generated id
	Description string // registry description for the new snapshot
	Steps       []Step
}

// Script renders the payload as a POSIX sh script. The result is parsed
// and printed back in canonical form.
func (p Payload) Script() (string, error) {
	if len(p.Steps) == 0 {
		return "", fmt.Errorf("payload has no steps")
	}

	var b strings.Builder
	b.WriteString("set -u\n")
	for i, s := range p.Steps {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		body, err := renderStep(s)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		onFail, err := failureClause(name, s.Optional)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&b, "\n# %s (%s)\n", commentSafe(name), s.Kind)
		if s.IfExists != "" {
			q, err := quote(s.IfExists)
			if err != nil {
				return "", fmt.Errorf("%s: %w", name, err)
			}
			fmt.Fprintf(&b, "if [ -e %s ]; then\n", q)
		}
		if s.Kind == KindRemoveFiles {
			b.WriteString(body)
		} else {
			fmt.Fprintf(&b, "{\n%s} || %s\n", body, onFail)
		}
		if s.IfExists != "" {
			b.WriteString("fi\n")
		}
	}
	return canonical(b.String(), p.Key)
}

func renderStep(s Step) (string, error) {
	switch s.Kind {
	case KindCommand:
		if len(s.Argv) == 0 {
			return "", fmt.Errorf("empty command")
		}
		words, err := quoteAll(s.Argv)
		if err != nil {
			return "", err
		}
		return strings.Join(words, " ") + "\n", nil

	case KindWriteFile:
		if s.Path == "" {
			return "", fmt.Errorf("no target path")
		}
		path, err := quote(s.Path)
		if err != nil {
			return "", err
		}
		format, err := quote(printfFormat(s.Content))
		if err != nil {
			return "", err
		}
		mode := s.Mode
		if mode == 0 {
			mode = 0644
		}
		return fmt.Sprintf("printf %s > %s && chmod %04o %s\n", format, path, uint32(mode.Perm()), path), nil

	case KindRemoveFiles:
		return renderRemove(s)
	}
	return "", fmt.Errorf("unknown step kind %d", s.Kind)
}

func renderRemove(s Step) (string, error) {
	var b strings.Builder
	b.WriteString("deleted=0 failed=0 bytes=0\n")
	for _, f := range s.Files {
		q, err := quote(f.Path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "if [ -e %s ] && rm -f -- %s; then deleted=$((deleted + 1)); bytes=$((bytes + %d)); else failed=$((failed + 1)); echo %s >&2; fi\n",
			q, q, f.Size, mustQuote("not removed: "+f.Path))
	}
	canary := "none"
	if s.Canary != "" {
		q, err := quote(s.Canary)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "canary=present\n[ -e %s ] || canary=gone\n", q)
		canary = "$canary"
	}
	fmt.Fprintf(&b, "echo \"%s deleted=$deleted failed=$failed bytes=$bytes canary=%s\"\n", SummaryPrefix, canary)
	return b.String(), nil
}

func failureClause(name string, optional bool) (string, error) {
	if optional {
		return "echo " + mustQuote("microprep: "+name+" failed (ignored)") + " >&2", nil
	}
	return "{ rc=$?; echo " + mustQuote("microprep: "+name+" failed") + " >&2; exit \"$rc\"; }", nil
}

// canonical validates script with the POSIX parser and reprints it.
func canonical(script, name string) (string, error) {
	if name == "" {
		name = "payload"
	}
	f, err := syntax.NewParser(syntax.Variant(syntax.LangPOSIX), syntax.KeepComments(true)).Parse(strings.NewReader(script), name)
	if err != nil {
		return "", fmt.Errorf("rendered script does not parse: %w", err)
	}
	var b strings.Builder
	if err := syntax.NewPrinter(syntax.Indent(2)).Print(&b, f); err != nil {
		return "", err
	}
	return b.String(), nil
}

func quote(s string) (string, error) {
	return syntax.Quote(s, syntax.LangPOSIX)
}

func quoteAll(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		q, err := quote(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}

// mustQuote quotes text for messages; unquotable runes are replaced first.
func mustQuote(s string) string {
	q, err := quote(commentSafe(s))
	if err != nil {
		return "''"
	}
	return q
}

// commentSafe replaces runes that cannot appear in a quoted POSIX word or a comment.
func commentSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || r == utf8.RuneError || !unicode.IsPrint(r) {
			return '?'
		}
		return r
	}, s)
}

// printfFormat turns arbitrary content into a printf format string made of
// printable characters only.
func printfFormat(content string) string {
	var b strings.Builder
	for i := 0; i < len(content); {
		r, size := utf8.DecodeRuneInString(content[i:])
		switch {
		case r == '%':
			b.WriteString("%%")
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == utf8.RuneError || !unicode.IsPrint(r), i == 0 && r == '-':
			// a leading '-' would be read as an option
			for _, c := range []byte(content[i : i+size]) {
				fmt.Fprintf(&b, `\%03o`, c)
			}
		default:
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}
