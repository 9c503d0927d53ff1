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

import "testing"

func TestMachineStateString(t *testing.T) {
	cases := map[MachineState]string{
		Down:         "down",
		Mounted:      "mounted",
		Starting:     "starting",
		Running:      "running",
		MachineState(99): "unknown",
	}

	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("MachineState(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestBackoffSecondsIsMonotonicNonDecreasing(t *testing.T) {
	prev := backoffSeconds(0)
	if prev < 0 {
		t.Fatal("expected a non-negative duration")
	}

	for i := 1; i < maxWaitAttempts; i++ {
		cur := backoffSeconds(i)
		if cur < prev {
			t.Fatalf("backoffSeconds(%d) = %v < backoffSeconds(%d) = %v, expected non-decreasing", i, cur, i-1, prev)
		}
		prev = cur
	}
}

func TestBackoffSecondsNeverBelowOneSecond(t *testing.T) {
	for i := 0; i < maxWaitAttempts; i++ {
		if backoffSeconds(i).Seconds() < 1 {
			t.Fatalf("backoffSeconds(%d) = %v, expected at least 1s", i, backoffSeconds(i))
		}
	}
}

func TestPow3(t *testing.T) {
	cases := []struct {
		exp  int
		want int64
	}{
		{0, 1},
		{1, 3},
		{2, 9},
		{3, 27},
		{4, 81},
	}

	for _, c := range cases {
		if got := pow3(c.exp); got != c.want {
			t.Errorf("pow3(%d) = %d, want %d", c.exp, got, c.want)
		}
	}
}

func TestNewMachineDriver(t *testing.T) {
	d := NewMachineDriver("main-deadbeef", "/srv/ciel/.ciel/container/dist", []string{"--bind=/dev/null"})

	if d.Name != "main-deadbeef" {
		t.Fatalf("unexpected Name: %q", d.Name)
	}
	if d.Rootfs != "/srv/ciel/.ciel/container/dist" {
		t.Fatalf("unexpected Rootfs: %q", d.Rootfs)
	}
	if len(d.ExtraOptions) != 1 || d.ExtraOptions[0] != "--bind=/dev/null" {
		t.Fatalf("unexpected ExtraOptions: %v", d.ExtraOptions)
	}
}
