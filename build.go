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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/aosc-dev/ciel/repo"
)

const maxGroupDepth = 32

// BuildRequest names the top-level packages and groups requested for one
// build invocation.
type BuildRequest struct {
	Instance  string   `cbor:"instance"`
	Packages  []string `cbor:"packages"`
	FetchOnly bool     `cbor:"fetch_only"`
	UseApt    *bool    `cbor:"use_apt"`
}

// BuildCheckpoint is the resumable state of an in-progress build, persisted
// in a compact binary encoding to STATES/<lastpkg>-<unix_secs>.ciel-ckpt.
type BuildCheckpoint struct {
	Request          BuildRequest `cbor:"request"`
	ExpandedPackages []string     `cbor:"expanded_packages"`
	Progress         int          `cbor:"progress"`
	TimeElapsedSecs  int64        `cbor:"time_elapsed_secs"`
	Attempts         int          `cbor:"attempts"`
}

// BuildResult is returned by Execute on success.
type BuildResult struct {
	TotalPackages int
	TimeElapsed   time.Duration
}

// ExpandPackageGroups expands "groups/<name>" references found in
// packages, reading workspace/TREE/<name> one package per line. Lines
// beginning with '#' or empty after trim are skipped; a line itself
// beginning with "groups/" recurses, up to depth 32.
func ExpandPackageGroups(ws *Workspace, packages []string) ([]string, error) {
	var expanded []string

	for _, pkg := range packages {
		if !strings.HasPrefix(pkg, "groups/") {
			expanded = append(expanded, pkg)
			continue
		}

		group, err := expandGroup(ws, pkg, 0)
		if err != nil {
			return nil, err
		}

		expanded = append(expanded, group...)
	}

	return expanded, nil
}

func expandGroup(ws *Workspace, name string, depth int) ([]string, error) {
	if depth >= maxGroupDepth {
		return nil, ErrNestedPackageGroup
	}

	path := filepath.Join(ws.Path, "TREE", name)

	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindGroupExpansionFailure, err)
	}
	defer f.Close()

	var result []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "groups/") {
			nested, err := expandGroup(ws, line, depth+1)
			if err != nil {
				return nil, err
			}
			result = append(result, nested...)
			continue
		}

		result = append(result, line)
	}

	if err := sc.Err(); err != nil {
		return nil, newErr(KindGroupExpansionFailure, err)
	}

	return result, nil
}

// NewCheckpoint expands the request's packages and returns a fresh
// checkpoint ready for Execute.
func NewCheckpoint(ws *Workspace, req BuildRequest) (*BuildCheckpoint, error) {
	expanded, err := ExpandPackageGroups(ws, req.Packages)
	if err != nil {
		return nil, err
	}

	return &BuildCheckpoint{Request: req, ExpandedPackages: expanded}, nil
}

// SaveCheckpoint writes ckpt to STATES/<lastpkg>-<unix_secs>.ciel-ckpt under
// the workspace root.
func SaveCheckpoint(ws *Workspace, ckpt *BuildCheckpoint) (string, error) {
	dir := filepath.Join(ws.Path, "STATES")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", newErr(KindIO, err)
	}

	lastPkg := "none"
	if ckpt.Progress > 0 && ckpt.Progress <= len(ckpt.ExpandedPackages) {
		lastPkg = ckpt.ExpandedPackages[ckpt.Progress-1]
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.ciel-ckpt", lastPkg, time.Now().Unix()))

	data, err := cbor.Marshal(ckpt)
	if err != nil {
		return "", newErr(KindInvalidCheckpoint, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", newErr(KindIO, err)
	}

	return path, nil
}

// LoadCheckpoint reads and decodes a persisted checkpoint file.
func LoadCheckpoint(path string) (*BuildCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newErr(KindIO, err)
	}

	var ckpt BuildCheckpoint
	if err := cbor.Unmarshal(data, &ckpt); err != nil {
		return nil, newErr(KindInvalidCheckpoint, err)
	}

	return &ckpt, nil
}

// terminalTitle writes the xterm title escape sequence reporting build
// progress, matching the "[i/total] pkg (instance@host)" format.
func terminalTitle(index, total int, pkg, instance string) {
	host, _ := os.Hostname()

	title := fmt.Sprintf("[%d/%d] %s (%s@%s)", index, total, pkg, instance, host)

	fmt.Fprintf(os.Stdout, "\x1b]0;%s\x07", title)
}

// Execute runs the build loop against an already-open container, given a
// fresh or resumed checkpoint, per §4.7.
func Execute(c *Container, ckpt *BuildCheckpoint) (*BuildResult, error) {
	start := time.Now()

	ws := c.Instance.Workspace

	output, err := ws.OutputDirectory()
	if err != nil {
		return nil, err
	}

	repository := repo.New(filepath.Join(output, "debs"))

	monitor := repo.NewMonitor(repository)
	if err := monitor.Start(); err != nil {
		return nil, newErr(KindRefreshRepoError, err)
	}

	total := len(ckpt.ExpandedPackages)

	for i := ckpt.Progress; i < total; i++ {
		pkg := ckpt.ExpandedPackages[i]

		terminalTitle(i+1, total, pkg, c.Instance.Name)

		if err := c.Rollback(); err != nil {
			_ = monitor.Stop()
			return nil, err
		}

		if err := c.Boot(); err != nil {
			_ = monitor.Stop()
			return nil, err
		}

		if err := repository.Refresh(); err != nil {
			_ = monitor.Stop()
			return nil, newErr(KindRefreshRepoError, err)
		}

		if err := c.machine.UpdateSystem(ckpt.Request.UseApt); err != nil {
			_ = monitor.Stop()
			return nil, err
		}

		if err := runAcbsBuild(c.machine, pkg, ckpt.Request.FetchOnly); err != nil {
			_ = monitor.Stop()
			return nil, err
		}

		ckpt.Progress = i + 1
	}

	if err := monitor.Stop(); err != nil {
		return nil, newErr(KindRefreshRepoError, err)
	}

	ckpt.TimeElapsedSecs = int64(time.Since(start).Seconds())

	return &BuildResult{TotalPackages: total, TimeElapsed: time.Since(start)}, nil
}

// runAcbsBuild invokes /usr/bin/acbs-build, prepending -g for fetch-only
// requests.
func runAcbsBuild(m *MachineDriver, pkg string, fetchOnly bool) error {
	args := []string{"/usr/bin/acbs-build"}
	if fetchOnly {
		args = append(args, "-g")
	}
	args = append(args, "--", pkg)

	result, err := m.ExecCapture(args)
	if err != nil {
		return newErr(KindAcbsFailure, err)
	}

	if result.Status != 0 {
		return &Error{Kind: KindAcbsFailure, Name: pkg, Status: result.Status}
	}

	return nil
}
