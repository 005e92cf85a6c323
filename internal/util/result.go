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
	"fmt"
	"strings"
)

// Severity classifies a failed step.
type Severity int

const (
	// Advisory failures are logged and execution continues.
	Advisory Severity = iota
	// Fatal failures stop the operation.
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "advisory"
}

// StepResult records the outcome of one named step of an operation.
type StepResult struct {
	Name     string
	Severity Severity
	Err      error
}

// OK reports whether the step succeeded
func (r StepResult) OK() bool {
	return r.Err == nil
}

func (r StepResult) String() string {
	if r.Err == nil {
		return r.Name + ": ok"
	}
	return fmt.Sprintf("%s: %s: %v", r.Name, r.Severity, r.Err)
}

// Steps accumulates step results for a report.
type Steps []StepResult

// Record appends a result and returns err unchanged so callers can chain.
func (s *Steps) Record(name string, sev Severity, err error) error {
	*s = append(*s, StepResult{Name: name, Severity: sev, Err: err})
	return err
}

// Failed returns the failed steps
func (s Steps) Failed() Steps {
	var out Steps
	for _, r := range s {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// FirstFatal returns the first fatal failure, or nil.
func (s Steps) FirstFatal() error {
	for _, r := range s {
		if r.Err != nil && r.Severity == Fatal {
			return fmt.Errorf("%s: %w", r.Name, r.Err)
		}
	}
	return nil
}

// Summary formats failed steps one per line, or "" when everything succeeded.
func (s Steps) Summary() string {
	var lines []string
	for _, r := range s.Failed() {
		lines = append(lines, "  - "+r.String())
	}
	return strings.Join(lines, "\n")
}
