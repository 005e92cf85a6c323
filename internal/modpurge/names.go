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

// Package modpurge decides which kernel module files can be removed from a
// golden image and removes them.
package modpurge

import (
	"path"
	"strings"
)

// moduleSuffixes are the module file extensions, longest first.
var moduleSuffixes = []string{".ko.zst", ".ko.xz", ".ko.gz", ".ko"}

// IsModuleFile reports whether name has a kernel module extension.
func IsModuleFile(name string) bool {
	for _, s := range moduleSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Normalize returns the canonical module name for a file name, path or
// module name: base name, module extension removed, '-' replaced by '_'.
func Normalize(name string) string {
	name = path.Base(strings.TrimSpace(name))
	for _, s := range moduleSuffixes {
		if strings.HasSuffix(name, s) {
			name = strings.TrimSuffix(name, s)
			break
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}

// SplitDepends parses a comma-separated dependency list.
func SplitDepends(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, Normalize(d))
		}
	}
	return out
}
