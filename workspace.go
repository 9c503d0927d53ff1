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
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
)

// Workspace is a directory on the host; identity is its absolute path.
type Workspace struct {
	Path    string
	Version int
	Config  *WorkspaceConfig
}

func (w *Workspace) dotCiel() string      { return filepath.Join(w.Path, ".ciel") }
func (w *Workspace) versionFile() string  { return filepath.Join(w.dotCiel(), "version") }
func (w *Workspace) configFile() string   { return filepath.Join(w.dotCiel(), "data", "config.toml") }
func (w *Workspace) baseDir() string      { return filepath.Join(w.dotCiel(), "container", "dist") }
func (w *Workspace) instancesDir() string { return filepath.Join(w.dotCiel(), "container", "instances") }

// IsSystemLoaded reports whether the base rootfs is non-empty.
func (w *Workspace) IsSystemLoaded() (bool, error) {
	entries, err := os.ReadDir(w.baseDir())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, newErr(KindIO, err)
	}

	return len(entries) > 0, nil
}

// Init creates a new workspace at path; fails if .ciel already exists.
func Init(path string, cfg *WorkspaceConfig) (*Workspace, error) {
	w := &Workspace{Path: path}

	if PathExists(w.dotCiel()) {
		return nil, pathErr(KindWorkspaceAlreadyExists, path, nil)
	}

	if cfg == nil {
		cfg = DefaultWorkspaceConfig()
	}

	if err := ValidateMaintainer(cfg.Maintainer); err != nil {
		return nil, err
	}

	dirs := []string{
		w.dotCiel(),
		filepath.Join(w.dotCiel(), "data"),
		w.baseDir(),
		w.instancesDir(),
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, pathErr(KindIO, d, err)
		}
	}

	if err := os.WriteFile(w.versionFile(), []byte(strconv.Itoa(currentWorkspaceVersion)), 0o644); err != nil {
		return nil, pathErr(KindIO, w.versionFile(), err)
	}

	if err := saveWorkspaceConfig(w.configFile(), cfg); err != nil {
		return nil, err
	}

	w.Version = currentWorkspaceVersion
	w.Config = cfg

	return w, nil
}

// Open validates the .ciel skeleton, parses the version, and transparently
// upgrades a v2 workspace by writing a default config and bumping the
// version file. Versions above the current one are rejected.
func Open(path string) (*Workspace, error) {
	w := &Workspace{Path: path}

	if !PathExists(w.dotCiel()) {
		return nil, pathErr(KindNotAWorkspace, path, nil)
	}

	raw, err := os.ReadFile(w.versionFile())
	if err != nil {
		return nil, pathErr(KindBrokenWorkspace, w.versionFile(), err)
	}

	version, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, pathErr(KindBrokenWorkspace, w.versionFile(), err)
	}

	if version > currentWorkspaceVersion {
		return nil, &Error{Kind: KindUnsupportedWorkspaceVersion, Path: path, Version: version}
	}

	if version < currentWorkspaceVersion {
		if err := os.MkdirAll(filepath.Join(w.dotCiel(), "data"), 0o755); err != nil {
			return nil, pathErr(KindIO, path, err)
		}

		cfg := DefaultWorkspaceConfig()
		if err := saveWorkspaceConfig(w.configFile(), cfg); err != nil {
			return nil, err
		}

		if err := os.WriteFile(w.versionFile(), []byte(strconv.Itoa(currentWorkspaceVersion)), 0o644); err != nil {
			return nil, pathErr(KindIO, w.versionFile(), err)
		}

		w.Version = currentWorkspaceVersion
		w.Config = cfg

		return w, nil
	}

	cfg, err := loadWorkspaceConfig(w.configFile())
	if err != nil {
		return nil, err
	}

	w.Version = version
	w.Config = cfg

	return w, nil
}

// Teardown rolls back every instance, then removes .ciel.
func (w *Workspace) Teardown() error {
	instances, err := w.Instances()
	if err != nil {
		return err
	}

	for _, inst := range instances {
		c, err := OpenContainer(inst)
		if err != nil {
			return err
		}

		if err := c.Rollback(); err != nil {
			_ = c.Close()
			return err
		}

		if err := c.Close(); err != nil {
			return err
		}
	}

	return os.RemoveAll(w.dotCiel())
}

// Instance is a user-named addition to a workspace; it supplies the upper
// overlay layer.
type Instance struct {
	Workspace *Workspace
	Name      string
	Dir       string
	Config    *InstanceConfig
}

func (i *Instance) lockPath() string { return filepath.Join(i.Dir, ".lock") }

// Instances walks the instances directory; every subdirectory with a valid
// UTF-8 name produces an Instance. Legacy instances lacking a per-instance
// config.toml get a default one written on first open.
func (w *Workspace) Instances() ([]*Instance, error) {
	entries, err := os.ReadDir(w.instancesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr(KindIO, err)
	}

	var instances []*Instance

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		name := e.Name()
		if !utf8.ValidString(name) {
			continue
		}

		inst, err := w.openInstance(name)
		if err != nil {
			return nil, err
		}

		instances = append(instances, inst)
	}

	return instances, nil
}

func (w *Workspace) openInstance(name string) (*Instance, error) {
	dir := filepath.Join(w.instancesDir(), name)

	cfg, err := loadInstanceConfig(filepath.Join(dir, "config.toml"))
	if err != nil {
		return nil, err
	}

	return &Instance{Workspace: w, Name: name, Dir: dir, Config: cfg}, nil
}

// Instance looks up a single instance by name.
func (w *Workspace) Instance(name string) (*Instance, error) {
	dir := filepath.Join(w.instancesDir(), name)

	if !PathExists(dir) {
		return nil, nameErr(KindInstanceNotFound, name, nil)
	}

	return w.openInstance(name)
}

// AddInstance creates a new instance directory and its config.toml.
func (w *Workspace) AddInstance(name string, cfg *InstanceConfig) (*Instance, error) {
	if name == "" || !utf8.ValidString(name) || strings.ContainsAny(name, "/\x00") {
		return nil, nameErr(KindInvalidInstanceName, name, nil)
	}

	dir := filepath.Join(w.instancesDir(), name)

	if PathExists(dir) {
		return nil, nameErr(KindInvalidInstancePath, name, nil)
	}

	if cfg == nil {
		cfg = DefaultInstanceConfig()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pathErr(KindIO, dir, err)
	}

	if err := saveInstanceConfig(filepath.Join(dir, "config.toml"), cfg); err != nil {
		return nil, err
	}

	return &Instance{Workspace: w, Name: name, Dir: dir, Config: cfg}, nil
}

// Destroy rolls back the instance (to drop mounts) and removes its
// directory.
func (w *Workspace) Destroy(name string) error {
	inst, err := w.Instance(name)
	if err != nil {
		return err
	}

	return w.destroyInstance(inst)
}

func (w *Workspace) destroyInstance(inst *Instance) error {
	c, err := OpenContainer(inst)
	if err != nil {
		return err
	}

	if err := c.Rollback(); err != nil {
		_ = c.Close()
		return err
	}

	if err := c.Close(); err != nil {
		return err
	}

	return os.RemoveAll(inst.Dir)
}

// Commit stops c, rolls back every other instance, delegates to the
// overlay manager's commit, then rolls c back.
func (w *Workspace) Commit(c *Container) error {
	if err := c.Stop(true); err != nil {
		return err
	}

	instances, err := w.Instances()
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Name == c.Instance.Name {
			continue
		}

		other, err := OpenContainer(inst)
		if err != nil {
			return err
		}

		if err := other.Rollback(); err != nil {
			_ = other.Close()
			return err
		}

		if err := other.Close(); err != nil {
			return err
		}
	}

	if err := c.overlay.Commit(); err != nil {
		return err
	}

	return c.Rollback()
}

// OutputDirectory resolves OUTPUT or, when branch-exclusive-output is set,
// OUTPUT-<branch> where <branch> is TREE's HEAD shorthand (or the literal
// "HEAD" when TREE isn't a git repository or HEAD is unborn).
func (w *Workspace) OutputDirectory() (string, error) {
	if !w.Config.BranchExclusiveOutput {
		return filepath.Join(w.Path, "OUTPUT"), nil
	}

	branch := w.treeHeadShorthand()

	return filepath.Join(w.Path, "OUTPUT-"+branch), nil
}

func (w *Workspace) treeHeadShorthand() string {
	repo, err := git.PlainOpen(filepath.Join(w.Path, "TREE"))
	if err != nil {
		return "HEAD"
	}

	head, err := repo.Head()
	if err != nil {
		return "HEAD"
	}

	if head.Name().IsBranch() {
		return head.Name().Short()
	}

	return "HEAD"
}
