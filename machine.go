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

package ciel

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// MachineState mirrors the Down/Mounted/Starting/Running progression a
// Container derives from the overlay mount state plus the machine state.
type MachineState int

const (
	Down MachineState = iota
	Mounted
	Starting
	Running
)

func (s MachineState) String() string {
	switch s {
	case Down:
		return "down"
	case Mounted:
		return "mounted"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// ExecResult is the outcome of a captured exec.
type ExecResult struct {
	Status int
	Stdout string
	Stderr string
}

// MachineDriver drives a single named machine through the host's
// systemd-machined, via org.freedesktop.machine1 over the system bus.
type MachineDriver struct {
	Name   string // ns_name
	Rootfs string

	ExtraOptions []string // extra nspawn options from workspace+instance config
}

func NewMachineDriver(name, rootfs string, extraOptions []string) *MachineDriver {
	return &MachineDriver{Name: name, Rootfs: rootfs, ExtraOptions: extraOptions}
}

func (d *MachineDriver) systemBus() (*dbus.Conn, error) {
	return dbus.ConnectSystemBus()
}

// machineLeader returns the PID of the machine's leader process and the
// machine's State, via org.freedesktop.machine1.Manager.GetMachine + the
// Leader and State properties.
func (d *MachineDriver) machineLeader(conn *dbus.Conn) (uint32, string, error) {
	obj := conn.Object("org.freedesktop.machine1", "/org/freedesktop/machine1")

	var machinePath dbus.ObjectPath
	if err := obj.Call("org.freedesktop.machine1.Manager.GetMachine", 0, d.Name).Store(&machinePath); err != nil {
		return 0, "", err
	}

	mobj := conn.Object("org.freedesktop.machine1", machinePath)

	leader, err := mobj.GetProperty("org.freedesktop.machine1.Machine.Leader")
	if err != nil {
		return 0, "", err
	}

	stateVariant, err := mobj.GetProperty("org.freedesktop.machine1.Machine.State")
	if err != nil {
		return 0, "", err
	}

	return leader.Value().(uint32), stateVariant.Value().(string), nil
}

// State implements the §4.3 contract: absent machine -> Down; published
// state "running"/"degraded" -> inspect PID 1's cmdline to distinguish
// Running from Starting; anything else -> Starting.
func (d *MachineDriver) State() (MachineState, error) {
	conn, err := d.systemBus()
	if err != nil {
		return Down, newErr(KindIO, err)
	}
	defer conn.Close()

	leader, state, err := d.machineLeader(conn)
	if err != nil {
		// No such machine registered.
		return Down, nil
	}

	if state != "running" && state != "degraded" {
		return Starting, nil
	}

	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.FormatUint(uint64(leader), 10), "cmdline"))
	if err != nil {
		return Starting, nil
	}

	argv0 := strings.SplitN(string(cmdline), "\x00", 2)[0]
	base := filepath.Base(argv0)

	if base == "systemd" || base == "init" {
		return Running, nil
	}

	return Starting, nil
}

// backoffSeconds implements the ⌈ln(i+1)⌉ second backoff schedule used by
// both boot-wait and poweroff-wait.
func backoffSeconds(attempt int) time.Duration {
	secs := math.Ceil(math.Log(float64(attempt) + 1))
	if secs < 1 {
		secs = 1
	}

	return time.Duration(secs) * time.Second
}

const maxWaitAttempts = 10

// Boot spawns systemd-nspawn in boot mode and waits until machined on the
// host bus reports the machine as registered. It does not connect to the
// container's own system bus, so that bus may not yet accept connections
// when Boot returns.
func (d *MachineDriver) Boot() error {
	args := []string{
		"--quiet",
		"--boot",
		"--capability=CAP_IPC_LOCK",
		"--system-call-filter=swapcontext",
		"-D", d.Rootfs,
		"-M", d.Name,
	}
	args = append(args, d.ExtraOptions...)

	cmd := exec.Command("systemd-nspawn", args...)
	cmd.Env = append(os.Environ(), "SYSTEMD_NSPAWN_TMPFS_TMP=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return newErr(KindIO, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	for i := 0; i < maxWaitAttempts; i++ {
		select {
		case err := <-exited:
			return nameErr(KindBootTimeout, d.Name, fmt.Errorf("nspawn exited early: %w", err))
		default:
		}

		conn, err := d.systemBus()
		if err == nil {
			if _, _, err := d.machineLeader(conn); err == nil {
				conn.Close()
				return nil
			}
			conn.Close()
		}

		time.Sleep(backoffSeconds(i))
	}

	return nameErr(KindBootTimeout, d.Name, nil)
}

// Stop issues a graceful in-container poweroff, polling for the machine
// object's disappearance, escalating to SIGKILL and forced termination.
func (d *MachineDriver) Stop() error {
	conn, err := d.systemBus()
	if err != nil {
		return newErr(KindIO, err)
	}
	defer conn.Close()

	if _, _, err := d.machineLeader(conn); err != nil {
		// Already gone.
		return nil
	}

	cmd := exec.Command("systemd-run", "--machine="+d.Name, "--quiet", "--", "/sbin/poweroff")
	if err := cmd.Start(); err != nil {
		slog.Warn("failed to spawn in-container poweroff", "name", d.Name, "err", err)
	}

	if d.pollGone(conn) {
		return nil
	}

	slog.Warn("machine did not power off gracefully, escalating to SIGKILL", "name", d.Name)

	obj := conn.Object("org.freedesktop.machine1", "/org/freedesktop/machine1")
	_ = obj.Call("org.freedesktop.machine1.Manager.KillMachine", 0, d.Name, "all", int32(9)).Err

	if d.pollGone(conn) {
		return nil
	}

	_ = obj.Call("org.freedesktop.machine1.Manager.TerminateMachine", 0, d.Name).Err

	if d.pollGone(conn) {
		return nil
	}

	return nameErr(KindPoweroffTimeout, d.Name, nil)
}

func (d *MachineDriver) pollGone(conn *dbus.Conn) bool {
	for i := 0; i < maxWaitAttempts; i++ {
		if _, _, err := d.machineLeader(conn); err != nil {
			return true
		}

		time.Sleep(backoffSeconds(i))
	}

	return false
}

// Exec runs an in-container command via systemd-run, requiring Running or
// Starting state.
func (d *MachineDriver) Exec(args []string) error {
	state, err := d.State()
	if err != nil {
		return err
	}
	if state != Running && state != Starting {
		return ErrImproperState
	}

	full := append([]string{"--machine=" + d.Name, "--quiet", "--pty", "--setenv=HOME=/root", "--"}, args...)
	cmd := exec.Command("systemd-run", full...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}

// ExecCapture is Exec's output-capturing variant.
func (d *MachineDriver) ExecCapture(args []string) (*ExecResult, error) {
	state, err := d.State()
	if err != nil {
		return nil, err
	}
	if state != Running && state != Starting {
		return nil, ErrImproperState
	}

	full := append([]string{"--machine=" + d.Name, "--quiet", "--pty", "--setenv=HOME=/root", "--"}, args...)
	cmd := exec.Command("systemd-run", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	status := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		} else {
			return nil, newErr(KindIO, err)
		}
	}

	return &ExecResult{Status: status, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Bind ensures the host path exists, canonicalizes it, and asks machined to
// bind-mount it into the guest.
func (d *MachineDriver) Bind(hostPath, guestPath string, readOnly bool) error {
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return newErr(KindIO, err)
	}

	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return newErr(KindIO, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return newErr(KindIO, err)
	}

	conn, err := d.systemBus()
	if err != nil {
		return newErr(KindIO, err)
	}
	defer conn.Close()

	obj := conn.Object("org.freedesktop.machine1", "/org/freedesktop/machine1")

	call := obj.Call("org.freedesktop.machine1.Manager.BindMountMachine", 0,
		d.Name, abs, guestPath, readOnly, true)

	return call.Err
}

// Poweroff is an alias for Stop, named to match the component's contract.
func (d *MachineDriver) Poweroff() error { return d.Stop() }

const (
	omaUpdateScript = "oma upgrade -y --no-refresh || oma upgrade -y"
	aptUpdateScript = "apt-get update && apt-get -y --allow-downgrades dist-upgrade"

	updateMaxAttempts = 5
	updateBackoffBase = 3
)

// UpdateSystem runs one of two update scripts with retry/backoff. It starts
// with APT when useApt is true and with oma otherwise, and uses APT for
// every attempt after one that fails with an exit status.
func (d *MachineDriver) UpdateSystem(useApt *bool) error {
	forceApt := useApt != nil && *useApt

	var lastErr error

	for attempt := 0; attempt < updateMaxAttempts; attempt++ {
		script := omaUpdateScript
		if forceApt {
			script = aptUpdateScript
		}

		err := d.Exec([]string{"/bin/sh", "-c", script})
		if err == nil {
			return nil
		}

		if _, ok := err.(*exec.ExitError); !ok {
			// Not a subcommand exit-status failure: a dial/exec error is
			// fatal, no further attempts.
			return newErr(KindUpdateFailure, err)
		}

		lastErr = err
		forceApt = true

		if attempt < updateMaxAttempts-1 {
			time.Sleep(time.Duration(pow3(attempt)) * time.Second)
		}
	}

	return newErr(KindUpdateFailure, lastErr)
}

func pow3(exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= updateBackoffBase
	}

	return result
}
