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

package common

import (
	"path"
	"strings"
)

// NormalizePath cleans a slash-separated path and removes leading/trailing slashes
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// NormalizePrefix normalizes a rule prefix. A trailing "/*" or "/" is accepted
// and means the same as the bare directory.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "*")
	return NormalizePath(prefix)
}

// HasPathPrefix reports whether p equals prefix or lies below it.
// Matching is on whole path segments: "drivers/net" does not match "drivers/network".
// An empty prefix matches everything.
func HasPathPrefix(p, prefix string) bool {
	p = NormalizePath(p)
	prefix = NormalizePath(prefix)
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// IsStrictAncestor reports whether ancestor is a proper parent directory of p
func IsStrictAncestor(ancestor, p string) bool {
	ancestor = NormalizePath(ancestor)
	p = NormalizePath(p)
	if p == ancestor {
		return false
	}
	return HasPathPrefix(p, ancestor)
}
