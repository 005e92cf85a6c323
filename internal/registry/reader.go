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

package registry

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"microprep/internal/config"
	"microprep/internal/util"
)

// Reader queries and modifies the snapper registry.
type Reader struct {
	runner util.Runner
	bin    string
	cfg    config.RegistryConfig
}

// NewReader creates a Reader for the snapper binary named in tools.
func NewReader(r util.Runner, tools config.ToolsConfig, cfg config.RegistryConfig) *Reader {
	bin := tools.Snapper
	if bin == "" {
		bin = "snapper"
	}
	return &Reader{runner: r, bin: bin, cfg: cfg}
}

// global returns snapper's global options followed by args.
func (r *Reader) global(args ...string) []string {
	var out []string
	if r.cfg.NoDBus {
		out = append(out, "--no-dbus")
	}
	if r.cfg.Config != "" {
		out = append(out, "-c", r.cfg.Config)
	}
	return append(out, args...)
}

// Read returns the current registry view. It never fails: when snapper is
// missing or errors, the view is empty and marked unavailable.
func (r *Reader) Read(ctx context.Context) View {
	if _, err := r.runner.LookPath(r.bin); err != nil {
		log.Warnf("[Registry] snapshot tracking unavailable: %v", err)
		return View{}
	}

	args := r.global("--csvout", "--separator", ";", "list", "--columns", strings.Join(Columns, ","))
	out, err := r.runner.Output(ctx, r.bin, args...)
	if err != nil {
		log.Warnf("[Registry] snapshot tracking unavailable: %v", err)
		return View{}
	}

	records, err := ParseListing(string(out))
	if err != nil {
		log.Warnf("[Registry] unreadable listing, snapshot tracking unavailable: %v", err)
		return View{}
	}
	log.Debugf("[Registry] read %d snapshots", len(records))
	return View{Available: true, Records: records}
}

// Modify rewrites the description and userdata of snapshot id. A held
// snapper lock is retried briefly.
func (r *Reader) Modify(ctx context.Context, id int, description, userdata string) error {
	args := r.global("modify", "--description", description, "--userdata", userdata, itoa(id))
	return util.Retry(func() error {
		_, err := r.runner.Output(ctx, r.bin, args...)
		return err
	}, util.BusyRetryOptions(ctx)...)
}
