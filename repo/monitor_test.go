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

package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x")

	if pathExists(file) {
		t.Fatal("expected nonexistent file to report false")
	}

	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if !pathExists(file) {
		t.Fatal("expected existing file to report true")
	}
}

func TestHandleEventRefreshesAndSetsIdempotencyByte(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	m := NewMonitor(r)

	lockPath := filepath.Join(dir, "fresh.lock")
	if err := os.WriteFile(lockPath, []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.handleEvent(lockPath); err != nil {
		t.Fatal(err)
	}

	if !pathExists(r.packagesPath()) {
		t.Fatal("expected handleEvent to trigger a Refresh that writes Packages")
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 || data[0] != '1' {
		t.Fatalf("expected lock file to carry the idempotency byte '1', got %v", data)
	}
}

func TestHandleEventSkipsRefreshWhenAlreadyMarked(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	m := NewMonitor(r)

	lockPath := filepath.Join(dir, "fresh.lock")
	if err := os.WriteFile(lockPath, []byte{'1'}, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.handleEvent(lockPath); err != nil {
		t.Fatal(err)
	}

	if pathExists(r.packagesPath()) {
		t.Fatal("expected handleEvent to skip Refresh when the idempotency byte is already set")
	}
}

func TestMonitorStartStop(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	m := NewMonitor(r)

	if err := m.Start(); err != nil {
		t.Skipf("inotify unavailable in this sandbox: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}
