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
)

// Kind identifies a closed set of error categories raised across the
// workspace/instance/container/build lifecycle.
type Kind int

const (
	KindIO Kind = iota
	KindNotAWorkspace
	KindBrokenWorkspace
	KindWorkspaceAlreadyExists
	KindUnsupportedWorkspaceVersion
	KindInstanceNotFound
	KindInvalidInstanceName
	KindInvalidInstancePath
	KindImproperState
	KindBootTimeout
	KindPoweroffTimeout
	KindOverlayFSUnavailable
	KindOverlayFSIncompat
	KindMetaCopyUnsupported
	KindConfigNotFound
	KindInvalidTOML
	KindInvalidMaintainerInfo
	KindMaintainerNameNeeded
	KindGroupExpansionFailure
	KindUpdateFailure
	KindAcbsFailure
	KindRefreshRepoError
	KindNestedPackageGroup
	KindDebScanError
	KindInvalidCheckpoint
	KindSubcommandError
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNotAWorkspace:
		return "not a workspace"
	case KindBrokenWorkspace:
		return "broken workspace"
	case KindWorkspaceAlreadyExists:
		return "workspace already exists"
	case KindUnsupportedWorkspaceVersion:
		return "unsupported workspace version"
	case KindInstanceNotFound:
		return "instance not found"
	case KindInvalidInstanceName:
		return "invalid instance name"
	case KindInvalidInstancePath:
		return "invalid instance path"
	case KindImproperState:
		return "improper state"
	case KindBootTimeout:
		return "boot timeout"
	case KindPoweroffTimeout:
		return "poweroff timeout"
	case KindOverlayFSUnavailable:
		return "overlayfs unavailable"
	case KindOverlayFSIncompat:
		return "overlayfs incompatible workdir"
	case KindMetaCopyUnsupported:
		return "overlay metacopy unsupported"
	case KindConfigNotFound:
		return "config not found"
	case KindInvalidTOML:
		return "invalid toml"
	case KindInvalidMaintainerInfo:
		return "invalid maintainer info"
	case KindMaintainerNameNeeded:
		return "maintainer name needed"
	case KindGroupExpansionFailure:
		return "group expansion failure"
	case KindUpdateFailure:
		return "update failure"
	case KindAcbsFailure:
		return "acbs failure"
	case KindRefreshRepoError:
		return "refresh repo error"
	case KindNestedPackageGroup:
		return "nested package group"
	case KindDebScanError:
		return "deb scan error"
	case KindInvalidCheckpoint:
		return "invalid checkpoint"
	case KindSubcommandError:
		return "subcommand error"
	default:
		return "unknown"
	}
}

// Error is the closed error type raised by this package, so that callers
// can switch on Kind. Not every path wraps its failure: some layer, overlay,
// machine and filesystem calls return the underlying stdlib or syscall
// error as is, which IsKind reports as matching no Kind.
type Error struct {
	Kind    Kind
	Path    string // set for Kind values carrying a path
	Name    string // set for Kind values carrying an instance/package name
	Version int    // set for KindUnsupportedWorkspaceVersion
	Status  int    // set for KindAcbsFailure/KindSubcommandError
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Name != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Name)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Version != 0 {
		msg = fmt.Sprintf("%s: version %d", msg, e.Version)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: exit status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func pathErr(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

func nameErr(kind Kind, name string, err error) *Error {
	return &Error{Kind: kind, Name: name, Err: err}
}

// Sentinel values usable with errors.Is for the cases that carry no extra
// context beyond their kind.
var (
	ErrImproperState        = &Error{Kind: KindImproperState}
	ErrBootTimeout          = &Error{Kind: KindBootTimeout}
	ErrPoweroffTimeout      = &Error{Kind: KindPoweroffTimeout}
	ErrOverlayFSUnavailable = &Error{Kind: KindOverlayFSUnavailable}
	ErrMetaCopyUnsupported  = &Error{Kind: KindMetaCopyUnsupported}
	ErrMaintainerNameNeeded = &Error{Kind: KindMaintainerNameNeeded}
	ErrInvalidMaintainer    = &Error{Kind: KindInvalidMaintainerInfo}
	ErrNestedPackageGroup   = &Error{Kind: KindNestedPackageGroup}
)

// Is lets errors.Is match on Kind alone, ignoring the contextual fields, so
// that `errors.Is(err, ciel.ErrBootTimeout)` works regardless of which path
// or name the concrete error carries.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind is a convenience wrapper around errors.As for callers that want the
// Kind of an arbitrary error without importing errors themselves.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
