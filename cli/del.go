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
	cmd.Register(&Del)
}

// Del destroys an instance: rolls its overlay back and removes it.
var Del = cmd.Sub{
	Name:  "del",
	Short: "Delete an instance",
	Args:  &DelArgs{},
	Run:   DelRun,
}

// DelArgs are arguments for the "del" sub-command.
type DelArgs struct {
	Name string `desc:"Instance to delete"`
}

// DelRun carries out the "del" sub-command.
func DelRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*DelArgs)       //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	if os.Geteuid() != 0 {
		log.Panic("You must be root to delete an instance")
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	if err := ws.Destroy(sArgs.Name); err != nil {
		slog.Error("Failed to delete instance", "err", err)
		os.Exit(1)
	}

	slog.Info("Instance deleted", "name", sArgs.Name)
}
