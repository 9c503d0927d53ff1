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

package repo

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

// arReader is a minimal reader for the common "ar" archive format used by
// Debian binary packages (outer .deb container). No library in the
// surrounding dependency set offers this (no blakesmith/ar, no
// pault.ag/go/debian anywhere in the example pack); the format itself is a
// fixed 60-byte-header-per-entry layout, small enough to implement directly
// against io.Reader without pulling in an unrelated archive library.
type arReader struct {
	r   *bufio.Reader
	cur io.Reader // bounded reader for the current entry's body
	pad bool      // whether the current entry's body needs a trailing pad byte consumed
}

const arMagic = "!<arch>\n"

func newArReader(r io.Reader) (*arReader, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(arMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}

	if string(magic) != arMagic {
		return nil, errors.New("repo: not an ar archive")
	}

	return &arReader{r: br}, nil
}

type arHeader struct {
	Name string
	Size int64
}

// next advances to the next entry, draining any unread body bytes from the
// previous one first.
func (a *arReader) next() (*arHeader, error) {
	if a.cur != nil {
		if _, err := io.Copy(io.Discard, a.cur); err != nil {
			return nil, err
		}
		if a.pad {
			if _, err := a.r.Discard(1); err != nil && err != io.EOF {
				return nil, err
			}
		}
	}

	hdr := make([]byte, 60)

	_, err := io.ReadFull(a.r, hdr)
	if err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	name := strings.TrimRight(string(hdr[0:16]), " ")
	name = strings.TrimSuffix(name, "/") // GNU ar trailing slash

	sizeStr := strings.TrimSpace(string(hdr[48:58]))

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, err
	}

	a.cur = io.LimitReader(a.r, size)
	a.pad = size%2 == 1

	return &arHeader{Name: name, Size: size}, nil
}

func (a *arReader) Read(p []byte) (int, error) {
	if a.cur == nil {
		return 0, io.EOF
	}

	return a.cur.Read(p)
}
