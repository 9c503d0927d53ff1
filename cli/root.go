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

import "github.com/DataDrake/cli-ng/v2/cmd"

func init() {
	cmd.Register(&cmd.Help)
}

// Root is the root command for ciel.
var Root = cmd.Root{
	Name:  "ciel",
	Short: "ciel manages layered-filesystem build instances",
	Flags: &GlobalFlags{},
}

// GlobalFlags are available to all sub-commands.
type GlobalFlags struct {
	Debug   bool   `short:"d" long:"debug"    desc:"Enable debug message"`
	NoColor bool   `short:"n" long:"no-color" desc:"Disable color output"`
	C       string `short:"C" long:"workdir"  desc:"Path to the ciel workspace" zero:"yes"`
}

// workspaceDir resolves the -C flag, defaulting to the current directory.
func workspaceDir(flags *GlobalFlags) string {
	if flags.C != "" {
		return flags.C
	}

	return "."
}
