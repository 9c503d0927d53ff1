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
	login "github.com/coreos/go-systemd/v22/login1"

	"github.com/aosc-dev/ciel"
	"github.com/aosc-dev/ciel/cli/log"
)

func init() {
	cmd.Register(&Build)
}

// Build runs a multi-package build against an instance, checkpointing
// after every package so a failure can be resumed.
var Build = cmd.Sub{
	Name:  "build",
	Short: "Build one or more packages in an instance",
	Flags: &BuildFlags{},
	Args:  &BuildArgs{},
	Run:   BuildRun,
}

// BuildFlags are flags for the "build" sub-command.
type BuildFlags struct {
	FetchOnly bool   `short:"g" long:"fetch-only" desc:"Only fetch sources, don't build"`
	Apt       bool   `short:"a" long:"apt"        desc:"Force use of apt instead of oma"`
	Resume    string `short:"r" long:"resume"     desc:"Resume from a saved checkpoint file" zero:"yes"`
}

// BuildArgs are arguments for the "build" sub-command.
type BuildArgs struct {
	Instance string   `desc:"Instance to build in"`
	Packages []string `zero:"yes" desc:"Packages or groups/<name> to build"`
}

// BuildRun carries out the "build" sub-command.
func BuildRun(r *cmd.Root, s *cmd.Sub) {
	rFlags := r.Flags.(*GlobalFlags) //nolint:forcetypeassert // guaranteed by callee.
	sFlags := s.Flags.(*BuildFlags)  //nolint:forcetypeassert // guaranteed by callee.
	sArgs := s.Args.(*BuildArgs)     //nolint:forcetypeassert // guaranteed by callee.

	if rFlags.Debug {
		log.Level.Set(slog.LevelDebug)
	}

	if rFlags.NoColor {
		log.SetUncoloredLogger()
	}

	if os.Geteuid() != 0 {
		log.Panic("You must be root to run a build")
	}

	ws, err := ciel.Open(workspaceDir(rFlags))
	if err != nil {
		slog.Error("Failed to open workspace", "err", err)
		os.Exit(1)
	}

	var ckpt *ciel.BuildCheckpoint

	if sFlags.Resume != "" {
		ckpt, err = ciel.LoadCheckpoint(sFlags.Resume)
		if err != nil {
			slog.Error("Failed to load checkpoint", "err", err)
			os.Exit(1)
		}
	} else {
		var useApt *bool
		if sFlags.Apt {
			v := true
			useApt = &v
		}

		req := ciel.BuildRequest{
			Instance:  sArgs.Instance,
			Packages:  sArgs.Packages,
			FetchOnly: sFlags.FetchOnly,
			UseApt:    useApt,
		}

		ckpt, err = ciel.NewCheckpoint(ws, req)
		if err != nil {
			slog.Error("Failed to expand package list", "err", err)
			os.Exit(1)
		}
	}

	inst, err := ws.Instance(ckpt.Request.Instance)
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

	releaseInhibitor := holdShutdownInhibitor(ckpt.Request.Instance)
	defer releaseInhibitor()

	result, err := ciel.Execute(c, ckpt)
	if err != nil {
		if os.Getenv("CIEL_NO_CHECKPOINT") != "" {
			slog.Error("Build failed", "err", err)
			os.Exit(1)
		}

		path, saveErr := ciel.SaveCheckpoint(ws, ckpt)
		if saveErr != nil {
			slog.Error("Failed to save checkpoint after build error", "err", saveErr)
		} else {
			slog.Error("Build failed; resume with --resume", "checkpoint", path, "err", err)
		}

		os.Exit(1)
	}

	slog.Info("Build succeeded", "packages", result.TotalPackages, "elapsed", result.TimeElapsed)
}

// holdShutdownInhibitor takes a login1 shutdown-inhibitor lock for the
// duration of the build, returning a function that releases it.
func holdShutdownInhibitor(instance string) func() {
	conn, err := login.New()
	if err != nil {
		slog.Warn("org.freedesktop.login1: failed to initialize dbus connection", "err", err)
		return func() {}
	}

	if !conn.Connected() {
		slog.Warn("org.freedesktop.login1: not connected to dbus system bus")
		return func() {}
	}

	fd, err := conn.Inhibit("shutdown:idle:sleep", "ciel", "ciel build in progress: "+instance, "block")
	if err != nil {
		slog.Warn("org.freedesktop.login1: failed to take inhibitor lock", "err", err)
		return func() {}
	}

	return func() { _ = fd.Close() }
}
