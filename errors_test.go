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
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesContext(t *testing.T) {
	err := &Error{Kind: KindInstanceNotFound, Name: "main", Err: fmt.Errorf("boom")}

	msg := err.Error()
	if msg != "instance not found: main: boom" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestErrorMessageOmitsUnsetFields(t *testing.T) {
	err := &Error{Kind: KindIO}

	if got, want := err.Error(), "io"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestErrorIsMatchesOnKindAlone(t *testing.T) {
	err := &Error{Kind: KindBootTimeout, Name: "main"}

	if !errors.Is(err, ErrBootTimeout) {
		t.Fatal("expected errors.Is to match on Kind regardless of Name")
	}

	if errors.Is(err, ErrPoweroffTimeout) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := newErr(KindIO, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through Unwrap to the wrapped cause")
	}
}

func TestIsKind(t *testing.T) {
	err := pathErr(KindNotAWorkspace, "/tmp/x", nil)

	if !IsKind(err, KindNotAWorkspace) {
		t.Fatal("expected IsKind to report true for matching Kind")
	}

	if IsKind(err, KindBrokenWorkspace) {
		t.Fatal("expected IsKind to report false for a different Kind")
	}

	if IsKind(fmt.Errorf("plain"), KindIO) {
		t.Fatal("expected IsKind to report false for a non-*Error")
	}
}

func TestKindStringCoversEveryValue(t *testing.T) {
	for k := KindIO; k <= KindSubcommandError; k++ {
		if got := k.String(); got == "unknown" {
			t.Fatalf("Kind %d has no String() case", k)
		}
	}
}
