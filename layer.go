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

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Layer is a single directory-, overlay-, or tmpfs-backed filesystem layer.
type Layer interface {
	FSType() string // "overlay", "tmpfs", or "" for a plain directory
	Target() string
	IsMounted() (bool, error)
	Mount() error
	Unmount() error
	Reset() error
}

// isMountedAt answers IsMounted for TmpfsLayer and OverlayManager by reading
// /proc/self/mountinfo and matching on (mountpoint, fstype). An empty
// fstype matches any filesystem type. DirLayer does not use it: it reports
// "exists" via PathExists rather than "genuinely mounted".
func isMountedAt(target, fstype string) (bool, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}

	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if info.Mountpoint != abs {
			return true, false
		}
		if fstype != "" && info.FSType != fstype {
			return true, false
		}
		return false, true
	})
	if err != nil {
		return false, err
	}

	return len(mounts) > 0, nil
}

// DirLayer is a plain directory layer: mount = mkdir -p, unmount = no-op,
// is_mounted = exists, reset = rm -rf.
type DirLayer struct {
	target string
}

func NewDirLayer(target string) *DirLayer { return &DirLayer{target: target} }

func (l *DirLayer) FSType() string { return "" }
func (l *DirLayer) Target() string { return l.target }

func (l *DirLayer) IsMounted() (bool, error) {
	return PathExists(l.target), nil
}

func (l *DirLayer) Mount() error {
	return os.MkdirAll(l.target, 0o755)
}

func (l *DirLayer) Unmount() error { return nil }

func (l *DirLayer) Reset() error {
	return os.RemoveAll(l.target)
}

// TmpfsLayer is size-bounded; Unmount is deliberately a no-op so a running
// container does not lose its upper layer between calls. Reset forcibly
// unmounts and removes it.
type TmpfsLayer struct {
	target  string
	sizeMiB int
}

func NewTmpfsLayer(target string, sizeMiB int) *TmpfsLayer {
	return &TmpfsLayer{target: target, sizeMiB: sizeMiB}
}

func (l *TmpfsLayer) FSType() string { return "tmpfs" }
func (l *TmpfsLayer) Target() string { return l.target }

func (l *TmpfsLayer) IsMounted() (bool, error) {
	return isMountedAt(l.target, "tmpfs")
}

func (l *TmpfsLayer) Mount() error {
	mounted, err := l.IsMounted()
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := os.MkdirAll(l.target, 0o755); err != nil {
		return err
	}

	var data string
	if l.sizeMiB > 0 {
		data = fmt.Sprintf("size=%dm", l.sizeMiB)
	}

	return unix.Mount("tmpfs", l.target, "tmpfs", 0, data)
}

// Unmount is deliberately a no-op; see type doc.
func (l *TmpfsLayer) Unmount() error { return nil }

func (l *TmpfsLayer) Reset() error {
	mounted, err := l.IsMounted()
	if err != nil {
		return err
	}

	if mounted {
		if err := unix.Unmount(l.target, unix.MNT_DETACH); err != nil {
			return err
		}
	}

	return os.RemoveAll(l.target)
}
