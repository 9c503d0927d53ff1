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
	"path/filepath"
	"testing"
)

func TestDirLayerLifecycle(t *testing.T) {
	target := filepath.Join(t.TempDir(), "dir")
	l := NewDirLayer(target)

	if l.FSType() != "" {
		t.Fatalf("expected empty FSType for a plain directory, got %q", l.FSType())
	}

	mounted, err := l.IsMounted()
	if err != nil {
		t.Fatal(err)
	}
	if mounted {
		t.Fatal("expected IsMounted to report false before Mount")
	}

	if err := l.Mount(); err != nil {
		t.Fatal(err)
	}

	mounted, err = l.IsMounted()
	if err != nil {
		t.Fatal(err)
	}
	if !mounted {
		t.Fatal("expected IsMounted to report true once the directory exists")
	}

	if err := l.Unmount(); err != nil {
		t.Fatal(err)
	}

	mounted, err = l.IsMounted()
	if err != nil {
		t.Fatal(err)
	}
	if !mounted {
		t.Fatal("Unmount is documented as a no-op; directory should still exist")
	}

	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}

	if PathExists(target) {
		t.Fatal("expected Reset to remove the directory")
	}
}

func TestDirLayerTarget(t *testing.T) {
	l := NewDirLayer("/some/path")
	if l.Target() != "/some/path" {
		t.Fatalf("unexpected Target(): %q", l.Target())
	}
}

func TestTmpfsLayerFSType(t *testing.T) {
	l := NewTmpfsLayer(filepath.Join(t.TempDir(), "tmp"), 64)
	if l.FSType() != "tmpfs" {
		t.Fatalf("expected tmpfs, got %q", l.FSType())
	}
}
