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

import "errors"

var (
	ErrToolMissing     = errors.New("required tool not found")
	ErrNotSnapshotBoot = errors.New("root is not mounted from a numbered snapshot")
	ErrNoDefault       = errors.New("default boot snapshot unknown")
	ErrNotMounted      = errors.New("not mounted")
	ErrPolicyViolation = errors.New("deletion plan includes protected items")
	ErrLocked          = errors.New("another instance holds the lock")
	ErrInvalidConfig   = errors.New("invalid configuration")
)
