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
	"os"
	"path/filepath"

	"github.com/DataDrake/cli-ng/v2/cmd"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
)

func init() {
	cmd.Register(&DeleteCache)
}

// DeleteCache cleans up the workspace's caches to free up disk space.
var DeleteCache = cmd.Sub{
	Name:  "delete-cache",
	Alias: "dc",
	Short: "Delete assets cached on disk by ciel",
	Flags: &DeleteCacheFlags{},
	Run:   DeleteCacheRun,
}

// DeleteCacheFlags are the flags for the "delete-cache" sub-command.
type DeleteCacheFlags struct {
	Sources bool `short:"s" long:"sources" desc:"Additionally delete cached source tarballs"`
	States  bool `short:"t" long:"states"  desc:"Additionally delete saved build checkpoints"`
}

// DeleteCacheRun carries out the "delete-cache" sub-command.
func DeleteCacheRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags)      //nolint:forcetypeassert // guaranteed by callee.
	sFlags := s.Flags.(*DeleteCacheFlags) //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	if os.Geteuid() != 0 {
		log.Panic("You must be root to delete caches")
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	nukeDirs := []string{filepath.Join(ws.Path, "CACHE")}

	if sFlags.Sources {
		nukeDirs = append(nukeDirs, filepath.Join(ws.Path, "SRCS"))
	}

	if sFlags.States {
		nukeDirs = append(nukeDirs, filepath.Join(ws.Path, "STATES"))
	}

	var totalSize int64

	for _, p := range nukeDirs {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}

		size, err := getDirSize(p)
		totalSize += size

		if err != nil {
			slog.Warn("Couldn't get directory size", "reason", err)
		}

		slog.Info(fmt.Sprintf("Removing cache directory '%s', of size '%s'", p, humanReadableFormat(float64(size))))

		if err := os.RemoveAll(p); err != nil {
			slog.Error("Could not remove cache directory", "reason", err)
			os.Exit(1)
		}
	}

	if totalSize > 0 {
		slog.Info(fmt.Sprintf("Total reclaimed size: '%s'", humanReadableFormat(float64(totalSize))))
	}
}
