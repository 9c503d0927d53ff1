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
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// OverlayManager composes an ordered list of lower layers (deepest-last;
// the bottommost is the base system rootfs) and one upper layer into a
// writable union at Target. It implements Layer itself (fs_type "overlay")
// plus Rollback and Commit.
type OverlayManager struct {
	Upper      Layer
	Lowers     []Layer // Lowers[len-1] is the base system, never reset
	MountPoint string

	Volatile bool

	// Compat is true for the legacy layout where Upper.Target() is the
	// instance directory itself rather than a dedicated upper/ subdir.
	Compat bool
}

func (o *OverlayManager) FSType() string { return "overlay" }
func (o *OverlayManager) Target() string { return o.MountPoint }

func (o *OverlayManager) upperDir() string { return filepath.Join(o.Upper.Target(), "diff") }
func (o *OverlayManager) workDir() string  { return filepath.Join(o.Upper.Target(), "diff.tmp") }

func (o *OverlayManager) IsMounted() (bool, error) {
	return isMountedAt(o.MountPoint, "overlay")
}

func overlayFSAvailable() (bool, error) {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 && fields[len(fields)-1] == "overlay" {
			return true, nil
		}
	}

	return false, sc.Err()
}

// Mount brings up the overlay union, per component B's contract.
func (o *OverlayManager) Mount() error {
	mounted, err := o.IsMounted()
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := o.Upper.Mount(); err != nil {
		return err
	}

	for _, lower := range o.Lowers {
		if err := lower.Mount(); err != nil {
			return err
		}
	}

	ok, err := overlayFSAvailable()
	if err != nil {
		return err
	}
	if !ok {
		_ = exec.Command("modprobe", "overlay").Run()

		ok, err = overlayFSAvailable()
		if err != nil {
			return err
		}
		if !ok {
			return ErrOverlayFSUnavailable
		}
	}

	upperdir, workdir := o.upperDir(), o.workDir()

	if err := os.MkdirAll(upperdir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return err
	}

	if PathExists(filepath.Join(workdir, "work", "incompat")) {
		return pathErr(KindOverlayFSIncompat, workdir, nil)
	}

	if err := os.MkdirAll(o.MountPoint, 0o755); err != nil {
		return err
	}

	lowerPaths := make([]string, len(o.Lowers))
	for i, lower := range o.Lowers {
		lowerPaths[i] = lower.Target()
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lowerPaths, ":"), upperdir, workdir)
	if o.Volatile {
		opts += ",volatile"
	}

	if err := unix.Mount("overlay", o.MountPoint, "overlay", 0, opts); err != nil {
		return pathErr(KindIO, o.MountPoint, err)
	}

	return nil
}

// Unmount tears down the union, then each constituent layer.
func (o *OverlayManager) Unmount() error {
	mounted, err := o.IsMounted()
	if err != nil {
		return err
	}

	if mounted {
		if err := unix.Unmount(o.MountPoint, unix.MNT_DETACH); err != nil {
			return err
		}

		if err := os.RemoveAll(o.MountPoint); err != nil {
			return err
		}
	}

	for _, lower := range o.Lowers {
		if err := lower.Unmount(); err != nil {
			slog.Warn("failed to unmount lower layer", "target", lower.Target(), "err", err)
		}
	}

	if err := o.Upper.Unmount(); err != nil {
		slog.Warn("failed to unmount upper layer", "target", o.Upper.Target(), "err", err)
	}

	return nil
}

// Rollback discards the upper and every lower except the base.
func (o *OverlayManager) Rollback() error {
	if err := o.Unmount(); err != nil {
		return err
	}

	if o.Compat {
		if err := os.RemoveAll(o.upperDir()); err != nil {
			return err
		}
		if err := os.RemoveAll(o.workDir()); err != nil {
			return err
		}
	} else if err := o.Upper.Reset(); err != nil {
		return err
	}

	for i := 0; i < len(o.Lowers)-1; i++ {
		if err := o.Lowers[i].Reset(); err != nil {
			return err
		}
	}

	return nil
}

// Reset satisfies Layer for the case where an OverlayManager is itself used
// as a lower layer; it is equivalent to Rollback.
func (o *OverlayManager) Reset() error {
	return o.Rollback()
}

// diffKind classifies one upperdir entry during Commit.
type diffKind int

const (
	diffSymlink diffKind = iota
	diffOverrideDir
	diffRenamedDir
	diffNewDir
	diffModifiedDir
	diffWhiteout
	diffFile
)

type diffEntry struct {
	rel      string // path relative to the upperdir root
	kind     diffKind
	redirect string // RenamedDir target, resolved
	mode     os.FileMode
}

const (
	xattrOpaque   = "trusted.overlay.opaque"
	xattrRedirect = "trusted.overlay.redirect"
	xattrMetacopy = "trusted.overlay.metacopy"
)

func getxattr(path, name string) (string, bool, error) {
	buf := make([]byte, 256)

	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return "", false, nil
		}
		return "", false, err
	}

	return string(buf[:n]), true, nil
}

func isWhiteout(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return false, nil
	}

	return st.Rdev == 0, nil
}

// classify determines the Diff kind of one upperdir entry, comparing
// against its counterpart in base (the bottommost lower, the commit
// target).
func classify(upperPath, rel string, info os.FileInfo, base string) (diffEntry, error) {
	entry := diffEntry{rel: rel, mode: info.Mode()}

	if _, ok, err := getxattr(upperPath, xattrMetacopy); err != nil {
		return entry, err
	} else if ok {
		return entry, ErrMetaCopyUnsupported
	}

	if info.Mode()&os.ModeSymlink != 0 {
		entry.kind = diffSymlink
		return entry, nil
	}

	lowerPath := filepath.Join(base, rel)
	lowerInfo, lowerErr := os.Lstat(lowerPath)
	lowerExists := lowerErr == nil
	lowerIsDir := lowerExists && lowerInfo.IsDir()

	if info.Mode()&os.ModeCharDevice != 0 {
		wh, err := isWhiteout(upperPath)
		if err != nil {
			return entry, err
		}
		if wh {
			entry.kind = diffWhiteout
			return entry, nil
		}
	}

	if info.IsDir() {
		if opaque, ok, err := getxattr(upperPath, xattrOpaque); err != nil {
			return entry, err
		} else if ok && opaque == "y" {
			entry.kind = diffOverrideDir
			return entry, nil
		}

		if redirect, ok, err := getxattr(upperPath, xattrRedirect); err != nil {
			return entry, err
		} else if ok && redirect != "" {
			entry.kind = diffRenamedDir
			if strings.HasPrefix(redirect, "/") {
				entry.redirect = strings.TrimPrefix(redirect, "/")
			} else {
				entry.redirect = filepath.Join(filepath.Dir(rel), redirect)
			}
			return entry, nil
		}

		if !lowerExists {
			entry.kind = diffNewDir
			return entry, nil
		}

		if lowerIsDir {
			entry.kind = diffModifiedDir
			return entry, nil
		}

		// Non-directory lower counterpart for a directory upper entry is
		// an implicit override.
		entry.kind = diffOverrideDir
		return entry, nil
	}

	if lowerIsDir {
		entry.kind = diffOverrideDir
		return entry, nil
	}

	entry.kind = diffFile

	return entry, nil
}

// Commit merges the upperdir into the base system, two passes so that
// deletions precede creations/renames, then rolls back.
func (o *OverlayManager) Commit() error {
	if o.Volatile {
		unix.Sync()
	}

	upperdir := o.upperDir()
	base := o.Lowers[len(o.Lowers)-1].Target()

	var entries []diffEntry
	var opaqueSkip []string

	err := filepath.Walk(upperdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == upperdir {
			return nil
		}

		rel, err := filepath.Rel(upperdir, path)
		if err != nil {
			return err
		}

		for _, skip := range opaqueSkip {
			if rel == skip || strings.HasPrefix(rel, skip+string(filepath.Separator)) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		entry, err := classify(path, rel, info, base)
		if err != nil {
			return fmt.Errorf("commit: classifying %s: %w", rel, err)
		}

		if entry.kind == diffOverrideDir && info.IsDir() {
			opaqueSkip = append(opaqueSkip, rel)
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		return err
	}

	// Pass 1: whiteouts.
	for _, e := range entries {
		if e.kind != diffWhiteout {
			continue
		}

		lowerPath := filepath.Join(base, e.rel)
		if err := os.RemoveAll(lowerPath); err != nil {
			return fmt.Errorf("commit: removing whiteout target %s: %w", e.rel, err)
		}

		if err := os.Remove(filepath.Join(upperdir, e.rel)); err != nil {
			return fmt.Errorf("commit: removing whiteout marker %s: %w", e.rel, err)
		}
	}

	// Pass 2: everything else.
	for _, e := range entries {
		upperPath := filepath.Join(upperdir, e.rel)
		lowerPath := filepath.Join(base, e.rel)

		switch e.kind {
		case diffWhiteout:
			continue
		case diffSymlink, diffFile:
			if err := os.MkdirAll(filepath.Dir(lowerPath), 0o755); err != nil {
				return err
			}
			if err := renameOrCopy(upperPath, lowerPath); err != nil {
				return fmt.Errorf("commit: applying %s: %w", e.rel, err)
			}
		case diffOverrideDir:
			if err := os.RemoveAll(lowerPath); err != nil {
				return err
			}
			if err := renameOrCopy(upperPath, lowerPath); err != nil {
				return fmt.Errorf("commit: overriding dir %s: %w", e.rel, err)
			}
		case diffRenamedDir:
			target := filepath.Join(base, e.redirect)
			if !PathExists(target) {
				return pathErr(KindIO, target, fmt.Errorf("commit: rename source missing for %s", e.rel))
			}
			if err := os.MkdirAll(filepath.Dir(lowerPath), 0o755); err != nil {
				return err
			}
			if err := renameOrCopy(target, lowerPath); err != nil {
				return fmt.Errorf("commit: renaming dir %s: %w", e.rel, err)
			}
		case diffNewDir:
			if err := os.MkdirAll(lowerPath, e.mode.Perm()); err != nil {
				return err
			}
		case diffModifiedDir:
			if err := os.MkdirAll(lowerPath, 0o755); err != nil {
				return err
			}
			if err := os.Chmod(lowerPath, e.mode.Perm()); err != nil {
				return err
			}
		}
	}

	return o.Rollback()
}
