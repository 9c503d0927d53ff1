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

// Package repo implements the flat APT-style local package repository:
// scanning .deb archives, writing Packages/Release, and a concurrent
// refresh monitor that re-derives them as builds emit new packages.
package repo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// ScanError identifies a malformed .deb encountered during a scan; DebScanError
// in the closed error taxonomy.
type ScanError struct {
	Path string
	Kind string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("repo: scanning %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Repository is the package repository rooted at Dir (e.g. "<output>/debs").
type Repository struct {
	Dir string
}

func New(dir string) *Repository { return &Repository{Dir: dir} }

func (r *Repository) packagesPath() string { return filepath.Join(r.Dir, "Packages") }
func (r *Repository) releasePath() string  { return filepath.Join(r.Dir, "Release") }
func (r *Repository) freshLockPath() string { return filepath.Join(r.Dir, "fresh.lock") }

// Refresh lists every .deb under Dir, extracts and augments each one's
// control block in parallel (order-preserving), and rewrites
// Packages/Release as whole files.
func (r *Repository) Refresh() error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return err
	}

	debs, err := r.listDebs()
	if err != nil {
		return err
	}

	blocks, err := extractBlocksParallel(r.Dir, debs)
	if err != nil {
		return err
	}

	var packages bytes.Buffer
	for _, b := range blocks {
		packages.Write(b)
	}

	tmpPackages := r.packagesPath() + ".tmp"
	if err := os.WriteFile(tmpPackages, packages.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPackages, r.packagesPath()); err != nil {
		return err
	}

	return r.writeRelease(packages.Bytes())
}

func (r *Repository) listDebs() ([]string, error) {
	var debs []string

	err := filepath.WalkDir(r.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".deb") {
			debs = append(debs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(debs)

	return debs, nil
}

// extractBlocksParallel runs the per-.deb control-file extraction on a
// worker pool sized to GOMAXPROCS, reducing back into the same order the
// input list was given in.
func extractBlocksParallel(root string, debs []string) ([][]byte, error) {
	blocks := make([][]byte, len(debs))

	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > len(debs) {
		workers = len(debs)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)

	jobs := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				block, err := extractBlock(root, debs[i])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				blocks[i] = block
			}
		}()
	}

	for i := range debs {
		jobs <- i
	}
	close(jobs)

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	return blocks, nil
}

// extractBlock extracts and augments the control block for one .deb,
// per §4.4 step 2.
func extractBlock(root, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ScanError{Path: path, Kind: "open", Err: err}
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, &ScanError{Path: path, Kind: "hash", Err: err}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, &ScanError{Path: path, Kind: "seek", Err: err}
	}

	control, err := extractControl(f)
	if err != nil {
		return nil, &ScanError{Path: path, Kind: "control", Err: err}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, &ScanError{Path: path, Kind: "relpath", Err: err}
	}

	control = bytes.TrimRight(control, "\n")

	var block bytes.Buffer
	block.Write(control)
	fmt.Fprintf(&block, "\nSize: %d\n", size)
	fmt.Fprintf(&block, "Filename: %s\n", filepath.ToSlash(rel))
	fmt.Fprintf(&block, "SHA256: %s\n", hex.EncodeToString(h.Sum(nil)))
	block.WriteString("\n")

	return block.Bytes(), nil
}

// extractControl opens the outer ar archive, finds the control.tar.{xz,gz,zst}
// member, decompresses it according to suffix, and returns the ./control
// tar member's bytes.
func extractControl(r io.Reader) ([]byte, error) {
	ar, err := newArReader(r)
	if err != nil {
		return nil, err
	}

	for {
		hdr, err := ar.next()
		if err == io.EOF {
			return nil, errors.New("repo: no control.tar.* member found")
		}
		if err != nil {
			return nil, err
		}

		if !strings.HasPrefix(hdr.Name, "control.tar") {
			continue
		}

		decomp, err := decompressBySuffix(hdr.Name, ar)
		if err != nil {
			return nil, err
		}

		return readControlMember(decomp)
	}
}

func decompressBySuffix(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".xz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".gz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar"):
		return r, nil
	default:
		return nil, fmt.Errorf("repo: unsupported control archive suffix: %s", name)
	}
}

func readControlMember(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("repo: control.tar has no ./control member")
		}
		if err != nil {
			return nil, err
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "control" {
			return io.ReadAll(tr)
		}
	}
}

// writeRelease writes the Debian-822-style Release file: Date, and a
// SHA256 block covering the just-written Packages bytes.
func (r *Repository) writeRelease(packages []byte) error {
	sum := sha256.Sum256(packages)

	var release bytes.Buffer
	fmt.Fprintf(&release, "Date: %s\n", time.Now().UTC().Format(time.RFC1123))
	fmt.Fprintf(&release, "SHA256:\n")
	fmt.Fprintf(&release, " %s %d Packages\n", hex.EncodeToString(sum[:]), len(packages))

	tmp := r.releasePath() + ".tmp"
	if err := os.WriteFile(tmp, release.Bytes(), 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, r.releasePath())
}
