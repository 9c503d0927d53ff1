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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeArEntry appends one ar entry (60-byte header + body + optional pad
// byte) to buf, mirroring the GNU ar format arReader expects.
func writeArEntry(buf *bytes.Buffer, name string, body []byte) {
	header := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "100644", len(body))
	buf.WriteString(header)
	buf.Write(body)
	if len(body)%2 == 1 {
		buf.WriteByte('\n')
	}
}

func buildControlTarGz(t *testing.T, control string) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	hdr := &tar.Header{
		Name: "./control",
		Mode: 0o644,
		Size: int64(len(control)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(control)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}

	return gzBuf.Bytes()
}

func buildFakeDeb(t *testing.T, control string) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString(arMagic)

	writeArEntry(&buf, "debian-binary", []byte("2.0\n"))
	writeArEntry(&buf, "control.tar.gz", buildControlTarGz(t, control))
	writeArEntry(&buf, "data.tar.xz", []byte("not-a-real-payload"))

	return buf.Bytes()
}

func TestExtractControlFindsControlTarGzMember(t *testing.T) {
	control := "Package: hello\nVersion: 1.0\nArchitecture: amd64\n"
	deb := buildFakeDeb(t, control)

	got, err := extractControl(bytes.NewReader(deb))
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != control {
		t.Fatalf("extractControl() = %q, want %q", got, control)
	}
}

func TestExtractControlRejectsNonArInput(t *testing.T) {
	_, err := extractControl(strings.NewReader("not an ar archive at all"))
	if err == nil {
		t.Fatal("expected an error for non-ar input")
	}
}

func TestExtractControlErrorsWithoutControlMember(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(arMagic)
	writeArEntry(&buf, "debian-binary", []byte("2.0\n"))

	_, err := extractControl(bytes.NewReader(buf.Bytes()))
	if err == nil {
		t.Fatal("expected an error when no control.tar.* member is present")
	}
}

func TestRepositoryRefreshWritesPackagesAndRelease(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	control := "Package: hello\nVersion: 1.0\nArchitecture: amd64\n"
	deb := buildFakeDeb(t, control)

	if err := os.WriteFile(filepath.Join(dir, "hello_1.0_amd64.deb"), deb, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Refresh(); err != nil {
		t.Fatal(err)
	}

	packages, err := os.ReadFile(r.packagesPath())
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(packages), "Package: hello") {
		t.Fatalf("expected Packages to contain the control block, got %q", packages)
	}
	if !strings.Contains(string(packages), "Filename: hello_1.0_amd64.deb") {
		t.Fatalf("expected Packages to carry a Filename field, got %q", packages)
	}
	if !strings.Contains(string(packages), "SHA256: ") {
		t.Fatalf("expected Packages to carry a SHA256 field, got %q", packages)
	}

	release, err := os.ReadFile(r.releasePath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(release), "SHA256:") {
		t.Fatalf("expected Release to carry a SHA256 block, got %q", release)
	}
	if !strings.Contains(string(release), "Date:") {
		t.Fatalf("expected Release to carry a Date field, got %q", release)
	}
}

func TestRepositoryRefreshIsEmptyWhenNoDebsPresent(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := r.Refresh(); err != nil {
		t.Fatal(err)
	}

	packages, err := os.ReadFile(r.packagesPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 0 {
		t.Fatalf("expected an empty Packages file, got %d bytes", len(packages))
	}
}

func TestRepositoryRefreshSkipsMalformedNonDebFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a package"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Refresh(); err != nil {
		t.Fatal(err)
	}
}
