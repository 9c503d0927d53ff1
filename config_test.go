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
	"errors"
	"path/filepath"
	"testing"
)

func TestValidateMaintainerAccepts(t *testing.T) {
	cases := []string{
		"Bot <bot@aosc.io>",
		"Jane Doe <jane.doe@example.com>",
	}

	for _, s := range cases {
		if err := ValidateMaintainer(s); err != nil {
			t.Errorf("ValidateMaintainer(%q) = %v, want nil", s, err)
		}
	}
}

func TestValidateMaintainerRejectsMissingName(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"<bot@aosc.io>",
		"  <bot@aosc.io>",
	}

	for _, s := range cases {
		err := ValidateMaintainer(s)
		if !errors.Is(err, ErrMaintainerNameNeeded) {
			t.Errorf("ValidateMaintainer(%q) = %v, want ErrMaintainerNameNeeded", s, err)
		}
	}
}

func TestValidateMaintainerRejectsMalformedEmail(t *testing.T) {
	cases := []string{
		"Bot bot@aosc.io",       // no angle brackets
		"Bot <bot@aosc.io",      // unterminated
		"Bot bot@aosc.io>",      // no opening bracket
		"Bot <@aosc.io>",        // empty local part
		"Bot <bot@>",            // empty domain
		"Bot <bot aosc.io>",     // no '@'
		"Bot <bot@aosc.io> junk", // trailing garbage
		"Bot<bot@aosc.io>",      // no space before '<'
	}

	for _, s := range cases {
		err := ValidateMaintainer(s)
		if !errors.Is(err, ErrInvalidMaintainer) {
			t.Errorf("ValidateMaintainer(%q) = %v, want ErrInvalidMaintainer", s, err)
		}
	}
}

func TestWorkspaceConfigNormalizeLegacyAptSources(t *testing.T) {
	cfg := &WorkspaceConfig{
		AptSources: "deb https://repo.aosc.io/debs/ stable main\ndeb https://extra.example/debs/ stable main\n",
	}

	cfg.normalizeLegacy()

	if cfg.AptSources != "" {
		t.Fatalf("expected AptSources to be cleared, got %q", cfg.AptSources)
	}

	if len(cfg.ExtraAptRepos) != 1 || cfg.ExtraAptRepos[0] != "deb https://extra.example/debs/ stable main" {
		t.Fatalf("unexpected ExtraAptRepos: %v", cfg.ExtraAptRepos)
	}
}

func TestWorkspaceConfigNormalizeLegacyBoolAliases(t *testing.T) {
	tr := true

	cfg := &WorkspaceConfig{
		LocalRepo:    &tr,
		LocalSources: &tr,
		ForceUseApt:  &tr,
	}

	cfg.normalizeLegacy()

	if !cfg.UseLocalRepo || !cfg.CacheSources || !cfg.UseApt {
		t.Fatalf("expected all legacy bool aliases folded forward: %+v", cfg)
	}

	if cfg.LocalRepo != nil || cfg.LocalSources != nil || cfg.ForceUseApt != nil {
		t.Fatalf("expected legacy pointer fields cleared: %+v", cfg)
	}
}

func TestWorkspaceConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultWorkspaceConfig()
	cfg.ExtraAptRepos = []string{"deb https://extra.example/debs/ stable main"}

	if err := saveWorkspaceConfig(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadWorkspaceConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Maintainer != cfg.Maintainer {
		t.Fatalf("Maintainer = %q, want %q", loaded.Maintainer, cfg.Maintainer)
	}

	if len(loaded.ExtraAptRepos) != 1 || loaded.ExtraAptRepos[0] != cfg.ExtraAptRepos[0] {
		t.Fatalf("ExtraAptRepos = %v, want %v", loaded.ExtraAptRepos, cfg.ExtraAptRepos)
	}
}

func TestLoadWorkspaceConfigMissing(t *testing.T) {
	_, err := loadWorkspaceConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if !IsKind(err, KindConfigNotFound) {
		t.Fatalf("expected KindConfigNotFound, got %v", err)
	}
}

func TestInstanceConfigNormalizeLegacy(t *testing.T) {
	cfg := &InstanceConfig{
		ExtraRepos:    []string{"deb https://extra.example/debs/ stable main"},
		NspawnOptions: []string{"--bind=/dev/null"},
	}

	cfg.normalizeLegacy()

	if len(cfg.ExtraRepos) != 0 || len(cfg.NspawnOptions) != 0 {
		t.Fatalf("expected legacy slices cleared: %+v", cfg)
	}

	if len(cfg.ExtraAptRepos) != 1 || len(cfg.ExtraNspawnOptions) != 1 {
		t.Fatalf("expected values folded forward: %+v", cfg)
	}
}

func TestInstanceConfigTmpfsSizeMiB(t *testing.T) {
	var nilTmpfs *InstanceConfig = &InstanceConfig{}
	if got := nilTmpfs.tmpfsSizeMiB(); got != 0 {
		t.Fatalf("expected 0 with no Tmpfs set, got %d", got)
	}

	zeroSize := &InstanceConfig{Tmpfs: &TmpfsConfig{Size: 0}}
	if got := zeroSize.tmpfsSizeMiB(); got != 4096 {
		t.Fatalf("expected default 4096, got %d", got)
	}

	explicit := &InstanceConfig{Tmpfs: &TmpfsConfig{Size: 2048}}
	if got := explicit.tmpfsSizeMiB(); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
}

func TestLoadInstanceConfigWritesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := loadInstanceConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != currentWorkspaceVersion {
		t.Fatalf("unexpected default Version: %d", cfg.Version)
	}

	if !PathExists(path) {
		t.Fatal("expected loadInstanceConfig to persist a default config.toml")
	}
}

func TestContainerConfigAllAptRepos(t *testing.T) {
	cfg := &ContainerConfig{
		Workspace: WorkspaceConfig{ExtraAptRepos: []string{"deb https://ws.example/debs/ stable main"}},
		Instance:  InstanceConfig{ExtraAptRepos: []string{"deb https://inst.example/debs/ stable main"}, UseLocalRepo: true},
	}

	repos := cfg.AllAptRepos()

	if len(repos) != 4 {
		t.Fatalf("expected 4 repos, got %d: %v", len(repos), repos)
	}
	if repos[0] != "deb https://repo.aosc.io/debs/ stable main" {
		t.Fatalf("expected default stable entry first, got %q", repos[0])
	}
	if repos[len(repos)-1] != "deb [trusted=yes] file:///debs/ /" {
		t.Fatalf("expected local-repo entry last, got %q", repos[len(repos)-1])
	}
}

func TestContainerConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ciel.toml")

	cfg := &ContainerConfig{
		InstanceName: "main",
		NSName:       "main-deadbeef",
		Workspace:    *DefaultWorkspaceConfig(),
		Instance:     *DefaultInstanceConfig(),
	}

	if err := saveContainerConfig(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := loadContainerConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.InstanceName != cfg.InstanceName || loaded.NSName != cfg.NSName {
		t.Fatalf("unexpected round-trip result: %+v", loaded)
	}
}
