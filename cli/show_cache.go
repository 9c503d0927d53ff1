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

package cli

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/DataDrake/cli-ng/v2/cmd"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
)

func init() {
	cmd.Register(&ShowCache)
}

// ShowCache reports disk usage of the workspace's APT package cache,
// source tarball cache and build checkpoints.
var ShowCache = cmd.Sub{
	Name:  "show-cache",
	Alias: "sc",
	Short: "Show the size of the workspace's caches",
	Run:   ShowCacheRun,
}

// ShowCacheRun carries out the "show-cache" sub-command.
func ShowCacheRun(r *cmd.Root, _ *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	showCacheSizes(ws)
}

func showCacheSizes(ws *ciel.Workspace) {
	dirs := []string{
		filepath.Join(ws.Path, "CACHE"),
		filepath.Join(ws.Path, "SRCS"),
		filepath.Join(ws.Path, "STATES"),
	}

	var totalSize int64

	for _, p := range dirs {
		size, err := getDirSize(p)
		totalSize += size

		if err != nil {
			slog.Warn("Couldn't get directory size", "reason", err)
		}

		slog.Info(fmt.Sprintf("Size of '%s' is '%s'", p, humanReadableFormat(float64(size))))
	}

	slog.Info(fmt.Sprintf("Total size: '%s'", humanReadableFormat(float64(totalSize))))
}

// getDirSize returns the disk usage of a directory.
func getDirSize(path string) (int64, error) {
	var totalSize int64

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}

	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	return totalSize, err
}

// humanReadableFormat pretty-prints a byte count in IEC units.
func humanReadableFormat(i float64) string {
	if i <= 0 {
		return "0.0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	chosenUnit := math.Min(math.Floor(math.Log(i)/math.Log(1024)), float64(len(units)-1))

	return fmt.Sprintf("%.1f %s", i/math.Pow(1024, chosenUnit), units[int64(chosenUnit)])
}
