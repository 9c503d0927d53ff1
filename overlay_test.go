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
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassifyNewDirWithNoLowerCounterpart(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	dir := filepath.Join(upper, "newdir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(dir, "newdir", info, base)
	if err != nil {
		t.Fatal(err)
	}

	if entry.kind != diffNewDir {
		t.Fatalf("expected diffNewDir, got %v", entry.kind)
	}
}

func TestClassifyModifiedDirWhenLowerCounterpartExists(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	if err := os.MkdirAll(filepath.Join(base, "existing"), 0o755); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(upper, "existing")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(dir, "existing", info, base)
	if err != nil {
		t.Fatal(err)
	}

	if entry.kind != diffModifiedDir {
		t.Fatalf("expected diffModifiedDir, got %v", entry.kind)
	}
}

func TestClassifyOverrideDirWhenLowerCounterpartIsAFile(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	if err := os.WriteFile(filepath.Join(base, "was-a-file"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(upper, "was-a-file")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(dir, "was-a-file", info, base)
	if err != nil {
		t.Fatal(err)
	}

	if entry.kind != diffOverrideDir {
		t.Fatalf("expected diffOverrideDir, got %v", entry.kind)
	}
}

func TestClassifyFileAndSymlink(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	filePath := filepath.Join(upper, "regular")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := os.Lstat(filePath)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(filePath, "regular", info, base)
	if err != nil {
		t.Fatal(err)
	}
	if entry.kind != diffFile {
		t.Fatalf("expected diffFile, got %v", entry.kind)
	}

	linkPath := filepath.Join(upper, "link")
	if err := os.Symlink("regular", linkPath); err != nil {
		t.Fatal(err)
	}

	linkInfo, err := os.Lstat(linkPath)
	if err != nil {
		t.Fatal(err)
	}

	linkEntry, err := classify(linkPath, "link", linkInfo, base)
	if err != nil {
		t.Fatal(err)
	}
	if linkEntry.kind != diffSymlink {
		t.Fatalf("expected diffSymlink, got %v", linkEntry.kind)
	}
}

func TestClassifyWhiteout(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	path := filepath.Join(upper, "removed")

	if err := unix.Mknod(path, unix.S_IFCHR|0o644, 0); err != nil {
		t.Skipf("mknod unavailable in this sandbox: %v", err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(path, "removed", info, base)
	if err != nil {
		t.Fatal(err)
	}

	if entry.kind != diffWhiteout {
		t.Fatalf("expected diffWhiteout, got %v", entry.kind)
	}
}

func TestClassifyOpaqueDir(t *testing.T) {
	upper := t.TempDir()
	base := t.TempDir()

	dir := filepath.Join(upper, "opaque")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := unix.Setxattr(dir, xattrOpaque, []byte("y"), 0); err != nil {
		t.Skipf("xattrs unavailable on this filesystem: %v", err)
	}

	info, err := os.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := classify(dir, "opaque", info, base)
	if err != nil {
		t.Fatal(err)
	}

	if entry.kind != diffOverrideDir {
		t.Fatalf("expected diffOverrideDir for an opaque dir, got %v", entry.kind)
	}
}

func TestOverlayManagerUpperAndWorkDirs(t *testing.T) {
	upperTarget := t.TempDir()
	o := &OverlayManager{Upper: NewDirLayer(upperTarget)}

	if got, want := o.upperDir(), filepath.Join(upperTarget, "diff"); got != want {
		t.Fatalf("upperDir() = %q, want %q", got, want)
	}
	if got, want := o.workDir(), filepath.Join(upperTarget, "diff.tmp"); got != want {
		t.Fatalf("workDir() = %q, want %q", got, want)
	}
}

func TestOverlayManagerFSTypeAndTarget(t *testing.T) {
	o := &OverlayManager{MountPoint: "/mnt/root"}

	if o.FSType() != "overlay" {
		t.Fatalf("expected overlay, got %q", o.FSType())
	}
	if o.Target() != "/mnt/root" {
		t.Fatalf("unexpected Target(): %q", o.Target())
	}
}
