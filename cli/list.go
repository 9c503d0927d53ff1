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

	"github.com/DataDrake/cli-ng/v2/cmd"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
)

func init() {
	cmd.Register(&List)
}

// List prints every instance in the workspace and its current state.
var List = cmd.Sub{
	Name:  "list",
	Alias: "ls",
	Short: "List instances and their states",
	Run:   ListRun,
}

// ListRun carries out the "list" sub-command.
func ListRun(r *cmd.Root, _ *cmd.Sub) {
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

	instances, err := ws.Instances()
	if err != nil {
		slog.Error("Failed to list instances", "err", err)
		os.Exit(1)
	}

	for _, inst := range instances {
		c, err := ciel.OpenContainer(inst)
		if err != nil {
			slog.Warn("Failed to open instance", "name", inst.Name, "err", err)
			continue
		}

		state, err := c.State()
		_ = c.Close()

		if err != nil {
			slog.Warn("Failed to determine instance state", "name", inst.Name, "err", err)
			continue
		}

		fmt.Printf("%s\t%s\n", inst.Name, state)
	}
}
