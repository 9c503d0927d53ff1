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
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Monitor watches debs/fresh.lock for CLOSE_WRITE, CREATE and DELETE_SELF
// and re-runs Refresh whenever the lock's idempotency byte isn't '1'.
//
// The monitor ignores every second event to break the loop its own
// write_all("1") would otherwise trigger on the lock file it just wrote to
// — the ignoring variant, per the resolved Open Question.
type Monitor struct {
	repo *Repository

	stop chan struct{}
	done chan error
}

func NewMonitor(r *Repository) *Monitor {
	return &Monitor{repo: r, stop: make(chan struct{}), done: make(chan error, 1)}
}

// Start runs the monitor loop on its own goroutine (the dedicated-thread
// concern of §5), returning immediately.
func (m *Monitor) Start() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(m.repo.Dir, 0o755); err != nil {
		unix.Close(fd)
		return err
	}

	lockPath := m.repo.freshLockPath()
	if !pathExists(lockPath) {
		if err := os.WriteFile(lockPath, []byte{0}, 0o644); err != nil {
			unix.Close(fd)
			return err
		}
	}

	if _, err := unix.InotifyAddWatch(fd, lockPath,
		unix.IN_CLOSE_WRITE|unix.IN_CREATE|unix.IN_DELETE_SELF); err != nil {
		unix.Close(fd)
		return err
	}

	go m.loop(fd, lockPath)

	return nil
}

// Stop signals the loop via the single-shot stop channel and waits for it
// to exit, returning the first error it encountered, if any.
func (m *Monitor) Stop() error {
	close(m.stop)
	return <-m.done
}

// pollIntervalMillis bounds how long a single poll waits for an inotify
// event before looping back to re-check m.stop, matching the Rust
// original's 1-second sleep/try_recv cadence.
const pollIntervalMillis = 1000

func (m *Monitor) loop(fd int, lockPath string) {
	defer unix.Close(fd)

	buf := make([]byte, unix.SizeofInotifyEvent+unix.PathMax+1)
	ignoreNext := false

	var firstErr error

	pollfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		select {
		case <-m.stop:
			m.done <- firstErr
			return
		default:
		}

		n, err := unix.Poll(pollfd, pollIntervalMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			m.done <- firstErr
			return
		}
		if n == 0 {
			// Timed out with nothing to read; loop back to re-check m.stop.
			continue
		}

		read, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			m.done <- firstErr
			return
		}
		if read < unix.SizeofInotifyEvent {
			continue
		}

		if ignoreNext {
			ignoreNext = false
			continue
		}
		ignoreNext = true

		if err := m.handleEvent(lockPath); err != nil {
			slog.Warn("repository refresh failed", "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
}

func (m *Monitor) handleEvent(lockPath string) error {
	lock, err := lockExclusiveFile(lockPath)
	if err != nil {
		return err
	}
	defer lock.Close()

	var marker [1]byte

	n, _ := lock.ReadAt(marker[:], 0)
	if n == 1 && marker[0] == '1' {
		return nil
	}

	if err := m.repo.Refresh(); err != nil {
		return err
	}

	_, err = lock.WriteAt([]byte{'1'}, 0)

	return err
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func lockExclusiveFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}
