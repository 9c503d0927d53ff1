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
	cmd.Register(&Shell)
}

// Shell boots an instance if necessary and opens an interactive command
// inside it, defaulting to /bin/bash.
var Shell = cmd.Sub{
	Name:  "shell",
	Short: "Run an interactive command inside an instance",
	Args:  &ShellArgs{},
	Run:   ShellRun,
}

// ShellArgs are arguments for the "shell" sub-command.
type ShellArgs struct {
	Instance string   `desc:"Instance to enter"`
	Command  []string `zero:"yes" desc:"Command to run (default: /bin/bash)"`
}

// ShellRun carries out the "shell" sub-command.
func ShellRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*ShellArgs)     //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	if os.Geteuid() != 0 {
		log.Panic("You must be root to enter an instance")
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	inst, err := ws.Instance(sArgs.Instance)
	if err != nil {
		slog.Error("Failed to look up instance", "err", err)
		os.Exit(1)
	}

	c, err := ciel.OpenContainer(inst)
	if err != nil {
		slog.Error("Failed to open container", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Boot(); err != nil {
		slog.Error("Failed to boot instance", "err", err)
		os.Exit(1)
	}

	args := sArgs.Command
	if len(args) == 0 {
		args = []string{"/bin/bash"}
	}

	if err := c.Exec(args); err != nil {
		slog.Error("Command exited with an error", "err", err)
		os.Exit(1)
	}
}
