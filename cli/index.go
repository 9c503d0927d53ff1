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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/DataDrake/cli-ng/v2/cmd"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
	"github.com/aosc-dev/ciel/repo"
)

func init() {
	cmd.Register(&Index)
}

// Index regenerates the flat repository's Packages and Release files for
// the workspace's output directory.
var Index = cmd.Sub{
	Name:  "index",
	Short: "Regenerate the local package repository index",
	Run:   IndexRun,
}

// IndexRun carries out the "index" sub-command.
func IndexRun(r *cmd.Root, _ *cmd.Sub) {
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

	output, err := ws.OutputDirectory()
	if err != nil {
		slog.Error("Failed to resolve output directory", "err", err)
		os.Exit(1)
	}

	repository := repo.New(filepath.Join(output, "debs"))

	if err := repository.Refresh(); err != nil {
		slog.Error("Index refresh failed", "err", err)
		os.Exit(1)
	}

	slog.Info("Index regenerated")
}
