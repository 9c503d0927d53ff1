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
	"crypto/rand"
	"fmt"
	"hash/adler32"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// PathExists is a quick existence helper, mirroring solbuild's own
// PathExists used throughout builder/*.go.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// nsName derives the machine namespace name for an instance directory:
// "<basename>-<adler32(absolute path) as 8-digit lowercase hex>".
func nsName(instanceDir string) (string, error) {
	abs, err := filepath.Abs(instanceDir)
	if err != nil {
		return "", err
	}

	sum := adler32.Checksum([]byte(abs))

	return fmt.Sprintf("%s-%08x", filepath.Base(abs), sum), nil
}

// randomHex8 yields 8 lowercase hex digits, used for ephemeral container
// names ("<prefix>-<random 32-bit hex>").
func randomHex8() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}

	return fmt.Sprintf("%08x", buf), nil
}

// fileLock is a thin wrapper around an advisory exclusive flock, used for
// <instance>/.lock. The repo package locks debs/fresh.lock with its own
// helper.
type fileLock struct {
	f *os.File
}

// lockExclusive opens (creating if needed) and exclusively locks path. It
// blocks until the lock is acquired.
func lockExclusive(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}

	return &fileLock{f: f}, nil
}

// tryLockExclusive is the non-blocking variant; returns (nil, nil) if
// already locked elsewhere.
func tryLockExclusive(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}

	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil

	if err != nil {
		return err
	}

	return cerr
}

func (l *fileLock) File() *os.File { return l.f }

// copyTree recursively copies src onto dst, preserving symlinks and mode
// bits; used as the cross-device fallback for rename(2), since a tmpfs
// upper layer may not share a filesystem with an on-disk lower layer.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}

			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)

	return err
}

// renameOrCopy implements the filesystem-boundary rename fallback: try
// rename(2) first, and on EXDEV fall back to copy-then-delete.
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := copyTree(src, dst); err != nil {
			return err
		}
	} else if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}

		if err := os.Symlink(link, dst); err != nil {
			return err
		}
	} else {
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return err
		}
	}

	return os.RemoveAll(src)
}

func isCrossDevice(err error) bool {
	return unwrapErrno(err) == unix.EXDEV
}

func unwrapErrno(err error) unix.Errno {
	type causer interface{ Unwrap() error }

	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}

		if pe, ok := err.(*os.PathError); ok {
			err = pe.Err
			continue
		}

		if c, ok := err.(causer); ok {
			err = c.Unwrap()
			continue
		}

		return 0
	}

	return 0
}
