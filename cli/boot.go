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
	cmd.Register(&Boot)
}

// Boot mounts and starts an instance's container.
var Boot = cmd.Sub{
	Name:  "boot",
	Short: "Boot an instance",
	Args:  &BootArgs{},
	Run:   BootRun,
}

// BootArgs are arguments for the "boot" sub-command.
type BootArgs struct {
	Name string `desc:"Instance to boot"`
}

// BootRun carries out the "boot" sub-command.
func BootRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*BootArgs)      //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	if os.Geteuid() != 0 {
		log.Panic("You must be root to boot an instance")
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	inst, err := ws.Instance(sArgs.Name)
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

	slog.Info("Instance booted", "name", sArgs.Name)
}
