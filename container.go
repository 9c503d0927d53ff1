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
	"fmt"
	"os"
	"path/filepath"
)

const configLayerSizeMiB = 16

// Container is a transient handle that exclusively locks an instance and
// composes the overlay manager (B) with the machine driver (C).
type Container struct {
	Instance *Instance
	NSName   string

	lock *fileLock

	overlay *OverlayManager
	machine *MachineDriver

	upper  Layer
	local  Layer // 16 MiB tmpfs config layer
	compat bool

	// cfg is the configuration this container is booted with: loaded from
	// an existing on-disk snapshot when one is found, otherwise taken from
	// the live workspace/instance configs for a first boot. Fixed for the
	// lifetime of the Container, per the freeze-at-boot invariant.
	cfg *ContainerConfig
}

// OpenContainer acquires the instance's advisory lock and builds the layer
// stack; it does not mount anything yet.
func OpenContainer(inst *Instance) (*Container, error) {
	lock, err := lockExclusive(inst.lockPath())
	if err != nil {
		return nil, pathErr(KindIO, inst.lockPath(), err)
	}

	ns, err := nsName(inst.Dir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	compat := PathExists(filepath.Join(inst.Dir, "diff"))

	var upper Layer
	if inst.Config.Tmpfs != nil {
		upper = NewTmpfsLayer(filepath.Join(inst.Dir, "layers", "upper"), inst.Config.tmpfsSizeMiB())
	} else {
		upper = NewDirLayer(filepath.Join(inst.Dir, "layers", "upper"))
	}

	if compat {
		upper = NewDirLayer(inst.Dir)
	}

	local := NewTmpfsLayer(filepath.Join(inst.Dir, "layers", "local"), configLayerSizeMiB)

	base := NewDirLayer(inst.Workspace.baseDir())

	overlay := &OverlayManager{
		Upper:      upper,
		Lowers:     []Layer{local, base},
		MountPoint: filepath.Join(inst.Workspace.Path, inst.Name),
		Volatile:   inst.Workspace.Config.VolatileMount,
		Compat:     compat,
	}

	cfg := loadSnapshotIfPresent(overlay, ns, inst)

	c := &Container{
		Instance: inst,
		NSName:   cfg.NSName,
		lock:     lock,
		overlay:  overlay,
		upper:    upper,
		local:    local,
		compat:   compat,
		cfg:      cfg,
		machine:  NewMachineDriver(cfg.NSName, overlay.MountPoint, append(cfg.Workspace.ExtraNspawnOptions, cfg.Instance.ExtraNspawnOptions...)),
	}

	return c, nil
}

// loadSnapshotIfPresent reads the configuration this container last booted
// with, if any. A written snapshot physically lands in the overlay's upper
// layer (the copy-up target for a file newly created at the mounted root),
// so it can be read back before the overlay is ever mounted. Per §3, once a
// snapshot exists it governs NSName, ExtraNspawnOptions and bind-mount
// decisions for the lifetime of the container, even if the live
// workspace/instance configs are edited afterwards. Falls back to the live
// configs when no snapshot exists yet, i.e. this is the container's first
// boot.
func loadSnapshotIfPresent(overlay *OverlayManager, ns string, inst *Instance) *ContainerConfig {
	snapshotPath := filepath.Join(overlay.upperDir(), ".ciel.toml")

	if cfg, err := loadContainerConfig(snapshotPath); err == nil {
		return cfg
	}

	return &ContainerConfig{
		InstanceName: inst.Name,
		NSName:       ns,
		Workspace:    *inst.Workspace.Config,
		Instance:     *inst.Config,
	}
}

// State derives Down/Mounted/Starting/Running from the overlay mount state
// and the machine state, per the invariant in §3/§8.
func (c *Container) State() (MachineState, error) {
	mounted, err := c.overlay.IsMounted()
	if err != nil {
		return Down, err
	}
	if !mounted {
		return Down, nil
	}

	mstate, err := c.machine.State()
	if err != nil {
		return Down, err
	}

	if mstate == Down {
		return Mounted, nil
	}

	return mstate, nil
}

// Boot is state-idempotent: Down -> mount + write config; Mounted -> boot +
// apply bind mounts; Starting/Running -> no-op.
func (c *Container) Boot() error {
	state, err := c.State()
	if err != nil {
		return err
	}

	if state == Down {
		if err := c.overlay.Mount(); err != nil {
			return err
		}

		if err := c.writeConfigSnapshot(); err != nil {
			return err
		}

		state = Mounted
	}

	if state == Mounted {
		if err := c.machine.Boot(); err != nil {
			return err
		}

		if err := c.applyBindMounts(); err != nil {
			return err
		}
	}

	return nil
}

// Stop is symmetric with Boot: Running/Starting -> stop the machine;
// unmount iff requested. Calling on a Down container is a no-op.
func (c *Container) Stop(unmount bool) error {
	state, err := c.State()
	if err != nil {
		return err
	}

	if state == Down {
		return nil
	}

	if state == Starting || state == Running {
		if err := c.machine.Stop(); err != nil {
			return err
		}
	}

	if unmount {
		return c.overlay.Unmount()
	}

	return nil
}

// Rollback always stops with unmount and defers to the overlay manager.
func (c *Container) Rollback() error {
	if err := c.Stop(true); err != nil {
		return err
	}

	return c.overlay.Rollback()
}

// Commit merges the upper into the base and rolls back.
func (c *Container) Commit() error {
	if err := c.Stop(true); err != nil {
		return err
	}

	return c.overlay.Commit()
}

// Close releases the advisory lock without touching mount state.
func (c *Container) Close() error {
	return c.lock.Unlock()
}

// Exec runs args inside the instance interactively, inheriting the
// controlling terminal.
func (c *Container) Exec(args []string) error {
	return c.machine.Exec(args)
}

// ExecCapture runs args inside the instance, capturing stdout/stderr.
func (c *Container) ExecCapture(args []string) (*ExecResult, error) {
	return c.machine.ExecCapture(args)
}

// UpdateSystem runs the package manager update sequence inside the
// instance. useApt nil or false starts with oma and true starts with APT;
// either way APT is used after an attempt fails with an exit status.
func (c *Container) UpdateSystem(useApt *bool) error {
	return c.machine.UpdateSystem(useApt)
}

func (c *Container) rootfsPath() string { return c.overlay.Target() }

// writeConfigSnapshot persists c.cfg the first time this container's
// overlay is mounted. A Rollback wipes the upper layer, including any
// previous snapshot, so this re-evaluates physical existence on every
// mount rather than caching the decision: the frozen config itself (c.cfg)
// never changes across the Container's lifetime regardless.
func (c *Container) writeConfigSnapshot() error {
	cfgPath := filepath.Join(c.rootfsPath(), ".ciel.toml")

	if PathExists(cfgPath) {
		return nil
	}

	if err := saveContainerConfig(cfgPath, c.cfg); err != nil {
		return err
	}

	return c.writeConfigFiles(c.cfg)
}

// writeConfigFiles materializes the files a container sees (§6), into the
// config lower layer so they appear through the overlay union.
func (c *Container) writeConfigFiles(cfg *ContainerConfig) error {
	root := c.local.Target()

	if err := os.MkdirAll(filepath.Join(root, "etc", "autobuild"), 0o755); err != nil {
		return err
	}

	ab4cfg := fmt.Sprintf("MTER=\"%s\"\nABMPM=dpkg\nABAPMS=apt\nABINSTALL=apt\n", cfg.Workspace.Maintainer)
	if err := os.WriteFile(filepath.Join(root, "etc", "autobuild", "ab4cfg.sh"), []byte(ab4cfg), 0o644); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(root, "etc", "apt"), 0o755); err != nil {
		return err
	}

	var sourcesList string
	for _, repo := range cfg.AllAptRepos() {
		sourcesList += repo + "\n"
	}

	if err := os.WriteFile(filepath.Join(root, "etc", "apt", "sources.list"), []byte(sourcesList), 0o644); err != nil {
		return err
	}

	if !cfg.Workspace.DNSSEC {
		if err := os.MkdirAll(filepath.Join(root, "etc", "systemd"), 0o755); err != nil {
			return err
		}

		if err := os.WriteFile(filepath.Join(root, "etc", "systemd", "resolved.conf"),
			[]byte("[Resolve]\nDNSSEC=no\n"), 0o644); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Join(root, "etc", "acbs"), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(root, "etc", "acbs", "forest.conf"),
		[]byte("[default]\nlocation = /tree/\n"), 0o644); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(root, "root"), 0o755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(root, "root", ".gitconfig"),
		[]byte("[safe]\n\tdirectory = /tree\n"), 0o644)
}

// applyBindMounts wires TREE/CACHE/SRCS/output into the booted container.
func (c *Container) applyBindMounts() error {
	ws := c.Instance.Workspace

	tree := filepath.Join(ws.Path, "TREE")
	if PathExists(tree) {
		if err := c.machine.Bind(tree, "/tree", c.cfg.Instance.ReadonlyTree); err != nil {
			return err
		}
	}

	cache := filepath.Join(ws.Path, "CACHE")
	if PathExists(cache) && !c.cfg.Workspace.NoCachePackages {
		if err := c.machine.Bind(cache, "/var/cache/apt/archives", false); err != nil {
			return err
		}
	}

	srcs := filepath.Join(ws.Path, "SRCS")
	if PathExists(srcs) && c.cfg.Workspace.CacheSources {
		if err := c.machine.Bind(srcs, "/var/cache/acbs/tarballs", false); err != nil {
			return err
		}
	}

	output, err := ws.OutputDirectory()
	if err != nil {
		return err
	}

	debs := filepath.Join(output, "debs")
	if err := os.MkdirAll(debs, 0o755); err != nil {
		return err
	}

	return c.machine.Bind(debs, "/debs", false)
}

// OwnedContainer wraps Container and on Close destroys the owning instance,
// forcibly unlocking first. Leak forfeits the destroy-on-close contract.
type OwnedContainer struct {
	*Container
	leaked bool
}

// EphemeralContainer opens a container on a newly created, caller-owned
// instance named "<prefix>-<random 32-bit hex>".
func (w *Workspace) EphemeralContainer(prefix string, cfg *InstanceConfig) (*OwnedContainer, error) {
	suffix, err := randomHex8()
	if err != nil {
		return nil, newErr(KindIO, err)
	}

	name := fmt.Sprintf("%s-%s", prefix, suffix)

	inst, err := w.AddInstance(name, cfg)
	if err != nil {
		return nil, err
	}

	c, err := OpenContainer(inst)
	if err != nil {
		_ = w.destroyInstance(inst)
		return nil, err
	}

	return &OwnedContainer{Container: c}, nil
}

// Leak forfeits the destroy-on-close contract: subsequent Close calls only
// release the lock.
func (o *OwnedContainer) Leak() { o.leaked = true }

// Close releases the lock and, unless Leak was called, destroys the
// underlying instance.
func (o *OwnedContainer) Close() error {
	if o.leaked {
		return o.Container.Close()
	}

	if err := o.Container.Rollback(); err != nil {
		_ = o.Container.Close()
		return err
	}

	inst := o.Container.Instance

	if err := o.Container.Close(); err != nil {
		return err
	}

	return inst.Workspace.destroyInstance(inst)
}
