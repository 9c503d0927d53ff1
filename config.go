//
// Copyright © 2016-2021 Solus Project <copyright@getsol.us>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package ciel

import (
	"os"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

const currentWorkspaceVersion = 3

// WorkspaceConfig is .ciel/data/config.toml, kebab-case keyed.
type WorkspaceConfig struct {
	Version               int      `toml:"version"`
	Maintainer            string   `toml:"maintainer"`
	DNSSEC                bool     `toml:"dnssec"`
	ExtraAptRepos         []string `toml:"extra-apt-repos"`
	UseLocalRepo          bool     `toml:"use-local-repo"`
	BranchExclusiveOutput bool     `toml:"branch-exclusive-output"`
	CacheSources          bool     `toml:"cache-sources"`
	NoCachePackages       bool     `toml:"no-cache-packages"`
	ExtraNspawnOptions    []string `toml:"extra-nspawn-options"`
	VolatileMount         bool     `toml:"volatile-mount"`
	UseApt                bool     `toml:"use-apt"`

	// Legacy fields, read for migration only, never written back.
	AptSources   string `toml:"apt-sources,omitempty"`
	LocalRepo    *bool  `toml:"local-repo,omitempty"`
	LocalSources *bool  `toml:"local-sources,omitempty"`
	ForceUseApt  *bool  `toml:"force-use-apt,omitempty"`
}

// DefaultWorkspaceConfig is written by init and by the v2->v3 upgrade path.
func DefaultWorkspaceConfig() *WorkspaceConfig {
	return &WorkspaceConfig{
		Version:      currentWorkspaceVersion,
		Maintainer:   "Bot <bot@aosc.io>",
		DNSSEC:       true,
		CacheSources: true,
		UseApt:       runtime.GOARCH == "riscv64",
	}
}

// normalizeLegacy folds older kebab-case fields into their current
// equivalents, matching ciel-rs's migration of pre-v3 configs.
func (c *WorkspaceConfig) normalizeLegacy() {
	if c.AptSources != "" {
		for _, line := range strings.Split(c.AptSources, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.Contains(line, "repo.aosc.io/debs/ stable main") {
				continue
			}
			c.ExtraAptRepos = append(c.ExtraAptRepos, line)
		}
		c.AptSources = ""
	}

	if c.LocalRepo != nil {
		c.UseLocalRepo = *c.LocalRepo
		c.LocalRepo = nil
	}

	if c.LocalSources != nil {
		c.CacheSources = *c.LocalSources
		c.LocalSources = nil
	}

	if c.ForceUseApt != nil {
		c.UseApt = *c.ForceUseApt
		c.ForceUseApt = nil
	}
}

func loadWorkspaceConfig(path string) (*WorkspaceConfig, error) {
	if !PathExists(path) {
		return nil, pathErr(KindConfigNotFound, path, nil)
	}

	var cfg WorkspaceConfig

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, pathErr(KindInvalidTOML, path, err)
	}

	cfg.normalizeLegacy()

	if err := ValidateMaintainer(cfg.Maintainer); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func saveWorkspaceConfig(path string, cfg *WorkspaceConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pathErr(KindIO, path, err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// TmpfsConfig is the instance config's optional tmpfs override.
type TmpfsConfig struct {
	Size int `toml:"size"` // MiB, default 4096
}

// InstanceConfig is <instance>/config.toml.
type InstanceConfig struct {
	Version            int          `toml:"version"`
	ExtraAptRepos      []string     `toml:"extra-apt-repos"`
	ExtraNspawnOptions []string     `toml:"extra-nspawn-options"`
	UseLocalRepo       bool         `toml:"use-local-repo"`
	Tmpfs              *TmpfsConfig `toml:"tmpfs,omitempty"`
	ReadonlyTree       bool         `toml:"readonly-tree"`

	// Legacy alias, folded into ExtraAptRepos.
	ExtraRepos []string `toml:"extra-repos,omitempty"`
	// Legacy alias, folded into ExtraNspawnOptions.
	NspawnOptions []string `toml:"nspawn-options,omitempty"`
}

func (c *InstanceConfig) normalizeLegacy() {
	if len(c.ExtraRepos) > 0 {
		c.ExtraAptRepos = append(c.ExtraAptRepos, c.ExtraRepos...)
		c.ExtraRepos = nil
	}

	if len(c.NspawnOptions) > 0 {
		c.ExtraNspawnOptions = append(c.ExtraNspawnOptions, c.NspawnOptions...)
		c.NspawnOptions = nil
	}
}

// DefaultInstanceConfig is written for legacy instances that lack a
// per-instance config.toml.
func DefaultInstanceConfig() *InstanceConfig {
	return &InstanceConfig{Version: currentWorkspaceVersion}
}

func (c *InstanceConfig) tmpfsSizeMiB() int {
	if c.Tmpfs == nil {
		return 0
	}
	if c.Tmpfs.Size <= 0 {
		return 4096
	}
	return c.Tmpfs.Size
}

func loadInstanceConfig(path string) (*InstanceConfig, error) {
	if !PathExists(path) {
		cfg := DefaultInstanceConfig()
		if err := saveInstanceConfig(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg InstanceConfig

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, pathErr(KindInvalidTOML, path, err)
	}

	cfg.normalizeLegacy()

	return &cfg, nil
}

func saveInstanceConfig(path string, cfg *InstanceConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pathErr(KindIO, path, err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ContainerConfig is the snapshot written to <rootfs>/.ciel.toml at mount
// time: a superset of the workspace and instance configs, frozen so the
// container keeps seeing what it booted with even if the on-disk configs
// are later edited.
type ContainerConfig struct {
	InstanceName string          `toml:"instance-name"`
	NSName       string          `toml:"ns-name"`
	Workspace    WorkspaceConfig `toml:"workspace"`
	Instance     InstanceConfig  `toml:"instance"`
}

// AllAptRepos merges workspace- and instance-level extras with the default
// stable entry and, when enabled, the local-repo entry. The order is: the
// default entry, the workspace extras, the instance extras, then the
// local-repo entry last.
func (c *ContainerConfig) AllAptRepos() []string {
	repos := []string{"deb https://repo.aosc.io/debs/ stable main"}
	repos = append(repos, c.Workspace.ExtraAptRepos...)
	repos = append(repos, c.Instance.ExtraAptRepos...)

	if c.Workspace.UseLocalRepo || c.Instance.UseLocalRepo {
		repos = append(repos, "deb [trusted=yes] file:///debs/ /")
	}

	return repos
}

func loadContainerConfig(path string) (*ContainerConfig, error) {
	var cfg ContainerConfig

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, pathErr(KindInvalidTOML, path, err)
	}

	return &cfg, nil
}

func saveContainerConfig(path string, cfg *ContainerConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pathErr(KindIO, path, err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ValidateMaintainer runs the byte-scanning FSM over "<name> <local@domain>",
// producing MaintainerNameNeeded when the name portion is empty/whitespace
// and InvalidMaintainerInfo for any other structural defect.
func ValidateMaintainer(s string) error {
	s = strings.TrimRight(s, " ")
	if s == "" {
		return ErrMaintainerNameNeeded
	}

	lt := strings.IndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')

	if lt < 0 || gt < 0 || gt < lt {
		return ErrInvalidMaintainer
	}

	name := strings.TrimRight(s[:lt], " ")
	if name == "" {
		return ErrMaintainerNameNeeded
	}

	if lt > 0 && s[lt-1] != ' ' {
		return ErrInvalidMaintainer
	}

	email := s[lt+1 : gt]
	at := strings.IndexByte(email, '@')

	if at <= 0 || at == len(email)-1 {
		return ErrInvalidMaintainer
	}

	if strings.ContainsAny(email, " \t") {
		return ErrInvalidMaintainer
	}

	if gt != len(s)-1 {
		return ErrInvalidMaintainer
	}

	return nil
}
