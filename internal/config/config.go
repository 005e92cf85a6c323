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

// Package config loads microprep settings: embedded defaults, then the
// settings file, then MICROPREP_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"microprep/internal/artifacts"
	"microprep/internal/common"
)

// DefaultPath is where the settings file lives unless overridden.
const DefaultPath = "/etc/microprep/settings.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MICROPREP_"

// Path returns the settings file path.
// Uses MICROPREP_CONFIG env var if set, otherwise DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Config is the complete runtime configuration. It is passed explicitly to
// every component constructor.
type Config struct {
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL"` // trace, debug, info, warn, none
	LogDir      string            `yaml:"log_dir" env:"LOG_DIR"`     // transaction output logs
	Tools       ToolsConfig       `yaml:"tools" envPrefix:"TOOL_"`
	Registry    RegistryConfig    `yaml:"registry" envPrefix:"SNAPPER_"`
	Transaction TransactionConfig `yaml:"transaction" envPrefix:"TXN_"`
	Modules     ModulesConfig     `yaml:"modules" envPrefix:"MODULES_"`
	Prune       PruneConfig       `yaml:"prune" envPrefix:"PRUNE_"`
	Boot        BootConfig        `yaml:"boot" envPrefix:"BOOT_"`
}

// ToolsConfig names the external executables.
type ToolsConfig struct {
	Snapper             string `yaml:"snapper" env:"SNAPPER"`
	Btrfs               string `yaml:"btrfs" env:"BTRFS"`
	TransactionalUpdate string `yaml:"transactional_update" env:"TRANSACTIONAL_UPDATE"`
	Mount               string `yaml:"mount" env:"MOUNT"`
	Umount              string `yaml:"umount" env:"UMOUNT"`
	Findmnt             string `yaml:"findmnt" env:"FINDMNT"`
	Modinfo             string `yaml:"modinfo" env:"MODINFO"`
	Depmod              string `yaml:"depmod" env:"DEPMOD"`
	Uname               string `yaml:"uname" env:"UNAME"`
	GrubMkconfig        string `yaml:"grub_mkconfig" env:"GRUB_MKCONFIG"`
}

// RegistryConfig selects the snapper configuration.
type RegistryConfig struct {
	Config string `yaml:"config" env:"CONFIG"`
	NoDBus bool   `yaml:"no_dbus" env:"NO_DBUS"`
}

// TransactionConfig controls how payloads are handed to transactional-update.
type TransactionConfig struct {
	Shell          string `yaml:"shell" env:"SHELL"`
	Continue       bool   `yaml:"continue" env:"CONTINUE"` // stack on a pending snapshot
	NonInteractive bool   `yaml:"non_interactive" env:"NON_INTERACTIVE"`
}

// RuleConfig is one ordered deletion rule.
type RuleConfig struct {
	Prefix string `yaml:"prefix"`
	Action string `yaml:"action"` // hard_delete, class_delete
}

// Rule actions
const (
	ActionHardDelete  = "hard_delete"
	ActionClassDelete = "class_delete"
)

// CanonicalAction maps an accepted spelling of a rule action ("hard",
// "Hard-Delete", ...) to its canonical form.
func CanonicalAction(s string) (string, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case ActionHardDelete, "hard":
		return ActionHardDelete, true
	case ActionClassDelete, "class":
		return ActionClassDelete, true
	}
	return "", false
}

// ModulesConfig configures the module purge policy.
type ModulesConfig struct {
	Base          string       `yaml:"base" env:"BASE"`
	KernelVersion string       `yaml:"kernel_version" env:"KERNEL_VERSION"` // "" = running kernel
	ProcRoot      string       `yaml:"proc_root" env:"PROC_ROOT"`
	RunDepmod     bool         `yaml:"run_depmod" env:"RUN_DEPMOD"`
	Rules         []RuleConfig `yaml:"rules"`
	Allowlist     []string     `yaml:"allowlist" env:"ALLOWLIST"`
	Protected     []string     `yaml:"protected" env:"PROTECTED"`
}

// Root returns the module directory for kernel version kver
func (m ModulesConfig) Root(kver string) string {
	return filepath.Join(m.Base, kver)
}

// PruneConfig configures snapshot pruning.
type PruneConfig struct {
	AdminMount        string `yaml:"admin_mount" env:"ADMIN_MOUNT"`
	Device            string `yaml:"device" env:"DEVICE"` // "" = device backing /
	SnapshotsDir      string `yaml:"snapshots_dir" env:"SNAPSHOTS_DIR"`
	SnapshotSubvolume string `yaml:"snapshot_subvolume" env:"SNAPSHOT_SUBVOLUME"`
	ExtraKeep         []int  `yaml:"extra_keep" env:"EXTRA_KEEP"`
	LockPath          string `yaml:"lock_path" env:"LOCK_PATH"`
	RecheckLive       bool   `yaml:"recheck_live" env:"RECHECK_LIVE"`
}

// Boot modes
const (
	BootModeAuto     = "auto"     // tool primitive when available, else mkconfig
	BootModeTool     = "tool"     // always transactional-update grub.cfg
	BootModeMkconfig = "mkconfig" // always grub2-mkconfig payload
)

// BootConfig configures boot menu regeneration.
type BootConfig struct {
	Mode          string `yaml:"mode" env:"MODE"`
	PrimaryOutput string `yaml:"primary_output" env:"PRIMARY_OUTPUT"`
	EFIDir        string `yaml:"efi_dir" env:"EFI_DIR"`
	EFIOutput     string `yaml:"efi_output" env:"EFI_OUTPUT"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.Settings, &cfg); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return &cfg
}

// Load builds the configuration from embedded defaults, the file at path
// (missing file is fine) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks fields every component relies on.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.LogLevel) {
	case "", "none", "trace", "debug", "info", "warn":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q (want trace, debug, info, warn, none)", c.LogLevel))
	}
	if c.Tools.TransactionalUpdate == "" {
		problems = append(problems, "tools.transactional_update is empty")
	}
	if c.Modules.Base == "" {
		problems = append(problems, "modules.base is empty")
	}
	for i, r := range c.Modules.Rules {
		if strings.TrimSpace(r.Prefix) == "" {
			problems = append(problems, fmt.Sprintf("modules.rules[%d].prefix is empty", i))
		}
		if _, ok := CanonicalAction(r.Action); !ok {
			problems = append(problems, fmt.Sprintf("modules.rules[%d].action %q (want hard_delete or class_delete)", i, r.Action))
		}
	}
	if !filepath.IsAbs(c.Prune.AdminMount) {
		problems = append(problems, "prune.admin_mount must be absolute")
	}
	if c.Prune.SnapshotsDir == "" {
		problems = append(problems, "prune.snapshots_dir is empty")
	}
	for _, id := range c.Prune.ExtraKeep {
		if id < 0 {
			problems = append(problems, fmt.Sprintf("prune.extra_keep has negative id %d", id))
		}
	}
	switch c.Boot.Mode {
	case BootModeAuto, BootModeTool, BootModeMkconfig:
	default:
		problems = append(problems, fmt.Sprintf("boot.mode %q (want auto, tool, mkconfig)", c.Boot.Mode))
	}
	if c.Boot.PrimaryOutput == "" {
		problems = append(problems, "boot.primary_output is empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", common.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Marshal renders cfg as a settings file.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	header := []byte("# microprep settings\n# See: microprep --help\n\n")
	return append(header, data...), nil
}

// Save writes cfg as YAML to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
