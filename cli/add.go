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
	cmd.Register(&Add)
}

// Add creates a new instance in the workspace.
var Add = cmd.Sub{
	Name:  "add",
	Short: "Add a new instance",
	Flags: &AddFlags{},
	Args:  &AddArgs{},
	Run:   AddRun,
}

// AddFlags are flags for the "add" sub-command.
type AddFlags struct {
	Tmpfs bool `short:"t" long:"tmpfs" desc:"Use a tmpfs upper layer for this instance"`
}

// AddArgs are arguments for the "add" sub-command.
type AddArgs struct {
	Name string `desc:"Name of the new instance"`
}

// AddRun carries out the "add" sub-command.
func AddRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sFlags := s.Flags.(*AddFlags)    //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*AddArgs)       //nolint:forcetypeassert // guaranteed by callee.

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

	cfg := ciel.DefaultInstanceConfig()
	if sFlags.Tmpfs {
		cfg.Tmpfs = &ciel.TmpfsConfig{Size: 4096}
	}

	if _, err := ws.AddInstance(sArgs.Name, cfg); err != nil {
		slog.Error("Failed to add instance", "err", err)
		os.Exit(1)
	}

	slog.Info("Instance added", "name", sArgs.Name)
}
