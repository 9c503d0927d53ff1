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

	"github.com/DataDrake/cli-ng/v2/cmd"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
)

func init() {
	cmd.Register(&Init)
}

// Init creates a new workspace in the current (or given) directory.
var Init = cmd.Sub{
	Name:  "init",
	Short: "Initialise a ciel workspace",
	Flags: &InitFlags{},
	Args:  &InitArgs{},
	Run:   InitRun,
}

// InitFlags are flags for the "init" sub-command.
type InitFlags struct {
	Maintainer string `short:"m" long:"maintainer" desc:"Maintainer name <email> for this workspace"`
}

// InitArgs are arguments for the "init" sub-command.
type InitArgs struct {
	Path []string `zero:"yes" desc:"Workspace directory to create (default: current directory)"`
}

// InitRun carries out the "init" sub-command.
func InitRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sFlags := s.Flags.(*InitFlags)   //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*InitArgs)      //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	path := workspaceDir(rFlags)
	if len(sArgs.Path) > 0 {
		path = sArgs.Path[0]
	}

	cfg := ciel.DefaultWorkspaceConfig()
	if sFlags.Maintainer != "" {
		cfg.Maintainer = sFlags.Maintainer
	}

	if _, err := ciel.Init(path, cfg); err != nil {
		slog.Error("Failed to initialise workspace", "err", err)
		os.Exit(1)
	}

	slog.Info("Workspace initialised", "path", path)
}
