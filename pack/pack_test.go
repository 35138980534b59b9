// pack/pack_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"archive/tar"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	u "github.com/mmp/bkchain/util"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0600); err != nil {
			t.Fatal(err)
		}
	}
}

func checkFile(t *testing.T, path, expected string) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("%s: %v", path, err)
		return
	}
	if string(b) != expected {
		t.Errorf("%s: got %q, expected %q", path, b, expected)
	}
}

func getArchivers(t *testing.T) []Archiver {
	log := u.Discard()
	a := []Archiver{&Tarball{Log: log}}
	if _, err := exec.LookPath("tar"); err == nil {
		a = append(a, &Tar{Log: log})
	} else {
		t.Logf("tar not found; only testing the built-in archiver")
	}
	return a
}

func TestArchiveTree(t *testing.T) {
	for _, a := range getArchivers(t) {
		origin := filepath.Join(t.TempDir(), "origin")
		writeTree(t, origin, map[string]string{
			"directory1/a.txt": "first file",
			"directory1/b.txt": "second file",
			"directory2/c.txt": strings.Repeat("ccc", 1000),
			"d.txt":            "top level",
		})

		out := filepath.Join(t.TempDir(), "20150228.FULL")
		if err := a.ArchiveTree(origin, out); err != nil {
			t.Fatalf("%T: archive: %v", a, err)
		}

		dest := t.TempDir()
		if err := a.Extract(out, dest); err != nil {
			t.Fatalf("%T: extract: %v", a, err)
		}
		under := filepath.Join(dest, MemberName(origin))
		checkFile(t, filepath.Join(under, "directory1/a.txt"), "first file")
		checkFile(t, filepath.Join(under, "directory1/b.txt"), "second file")
		checkFile(t, filepath.Join(under, "directory2/c.txt"), strings.Repeat("ccc", 1000))
		checkFile(t, filepath.Join(under, "d.txt"), "top level")
	}
}

func TestArchiveFiles(t *testing.T) {
	for _, a := range getArchivers(t) {
		origin := filepath.Join(t.TempDir(), "origin")
		writeTree(t, origin, map[string]string{
			"x/changed.txt": "changed",
			"x/same.txt":    "same",
			"new.txt":       "new",
		})

		out := filepath.Join(t.TempDir(), "20150301.INCREMENTAL")
		paths := []string{filepath.Join(origin, "x/changed.txt"), filepath.Join(origin, "new.txt")}
		if err := a.ArchiveFiles(paths, out); err != nil {
			t.Fatalf("%T: archive: %v", a, err)
		}

		dest := t.TempDir()
		// Pre-existing contents are overwritten by extraction.
		writeTree(t, filepath.Join(dest, MemberName(origin)), map[string]string{
			"new.txt": "old contents",
		})
		if err := a.Extract(out, dest); err != nil {
			t.Fatalf("%T: extract: %v", a, err)
		}
		under := filepath.Join(dest, MemberName(origin))
		checkFile(t, filepath.Join(under, "x/changed.txt"), "changed")
		checkFile(t, filepath.Join(under, "new.txt"), "new")
		if _, err := os.Stat(filepath.Join(under, "x/same.txt")); !os.IsNotExist(err) {
			t.Errorf("%T: unlisted file was archived", a)
		}
	}
}

func TestArchiveFilesEmpty(t *testing.T) {
	for _, a := range getArchivers(t) {
		out := filepath.Join(t.TempDir(), "20150301.INCREMENTAL")
		if err := a.ArchiveFiles(nil, out); err != nil {
			t.Fatalf("%T: archive: %v", a, err)
		}
		if _, err := os.Stat(out); err != nil {
			t.Errorf("%T: no archive written: %v", a, err)
		}
		if err := a.Extract(out, t.TempDir()); err != nil {
			t.Errorf("%T: extract: %v", a, err)
		}
	}
}

func TestTarballRefusesExisting(t *testing.T) {
	tb := &Tarball{Log: u.Discard()}
	out := filepath.Join(t.TempDir(), "20150228.FULL")
	if err := os.WriteFile(out, []byte("precious"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := tb.ArchiveTree(t.TempDir(), out); err == nil {
		t.Errorf("expected error archiving over an existing file")
	}
	checkFile(t, out, "precious")
}

func TestMemberPath(t *testing.T) {
	dest := "/restore"
	for name, expected := range map[string]string{
		"home/me/a.txt":  "/restore/home/me/a.txt",
		"/home/me/a.txt": "/restore/home/me/a.txt",
		"a/../b":         "/restore/b",
	} {
		got, err := memberPath(dest, name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
		} else if got != expected {
			t.Errorf("%s: got %s, expected %s", name, got, expected)
		}
	}
	for _, name := range []string{"../etc/passwd", "a/../../b", ".."} {
		if _, err := memberPath(dest, name); err == nil {
			t.Errorf("%s: expected escape to be rejected", name)
		}
	}
}

func TestArchiveSymlinks(t *testing.T) {
	for _, a := range getArchivers(t) {
		origin := filepath.Join(t.TempDir(), "origin")
		writeTree(t, origin, map[string]string{"target.txt": "target"})
		link := filepath.Join(origin, "link")
		if err := os.Symlink("target.txt", link); err != nil {
			t.Fatal(err)
		}

		out := filepath.Join(t.TempDir(), "20150301.INCREMENTAL")
		if err := a.ArchiveFiles([]string{link}, out); err != nil {
			t.Fatalf("%T: archive: %v", a, err)
		}
		dest := t.TempDir()
		if err := a.Extract(out, dest); err != nil {
			t.Fatalf("%T: extract: %v", a, err)
		}
		under := filepath.Join(dest, MemberName(origin))
		if target, err := os.Readlink(filepath.Join(under, "link")); err != nil || target != "target.txt" {
			t.Errorf("%T: link restored as %q, %v", a, target, err)
		}
		if _, err := os.Lstat(filepath.Join(under, "target.txt")); !os.IsNotExist(err) {
			t.Errorf("%T: link target archived along with the link", a)
		}
	}
}

// writeArchive writes a tar.gz holding the given headers; regular files
// get the contents "evil".
func writeArchive(t *testing.T, path string, hdrs []*tar.Header) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, h := range hdrs {
		h.ModTime = time.Unix(1500000000, 0)
		if h.Typeflag == tar.TypeReg {
			h.Size = 4
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte("evil")); err != nil {
				t.Fatal(err)
			}
		}
	}
	for _, c := range []interface{ Close() error }{tw, gz, f} {
		if err := c.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTarballExtractDoesNotFollowLinks(t *testing.T) {
	outside := t.TempDir()
	archive := filepath.Join(t.TempDir(), "20150228.FULL")
	writeArchive(t, archive, []*tar.Header{
		{Name: "x/", Typeflag: tar.TypeDir, Mode: 0700},
		{Name: "x/link", Typeflag: tar.TypeSymlink, Linkname: outside},
		{Name: "x/link/planted", Typeflag: tar.TypeReg, Mode: 0600},
		{Name: "x/link/sub/", Typeflag: tar.TypeDir, Mode: 0700},
	})

	dest := t.TempDir()
	if err := (&Tarball{Log: u.Discard()}).Extract(archive, dest); err != nil {
		t.Fatal(err)
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Errorf("extraction wrote outside of the destination: %v", entries)
	}
	checkFile(t, filepath.Join(dest, "x", "link", "planted"), "evil")
	if fi, err := os.Lstat(filepath.Join(dest, "x", "link")); err != nil || !fi.IsDir() {
		t.Errorf("x/link should have been replaced by a directory: %v", err)
	}
}

func TestMakeDirs(t *testing.T) {
	dest := t.TempDir()
	if err := makeDirs(dest, dest); err != nil {
		t.Errorf("destination itself: %v", err)
	}
	if err := makeDirs(dest, filepath.Join(dest, "a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(filepath.Join(dest, "a", "b", "c")); err != nil || !fi.IsDir() {
		t.Errorf("a/b/c not created: %v", err)
	}
	writeTree(t, dest, map[string]string{"file": "x"})
	if err := makeDirs(dest, filepath.Join(dest, "file", "d")); err == nil {
		t.Errorf("expected error creating a directory beneath a file")
	}
}

func TestMemberName(t *testing.T) {
	if n := MemberName("/home/me/x.txt"); n != "home/me/x.txt" {
		t.Errorf("got %s", n)
	}
	if n := MemberName("/home//me/"); n != "home/me" {
		t.Errorf("got %s", n)
	}
}

func TestLinkHash(t *testing.T) {
	if LinkHash("a") != LinkHash("a") || LinkHash("a") == LinkHash("b") {
		t.Errorf("link digests must depend on just the target")
	}
	p := filepath.Join(t.TempDir(), "f")
	writeTree(t, filepath.Dir(p), map[string]string{"f": "a"})
	if sum, err := (Shake256{}).Hash(p); err != nil || sum == LinkHash("a") {
		t.Errorf("link digest collides with file digest %q, %v", sum, err)
	}
	if !strings.HasPrefix(LinkHash("a"), "symlink:") {
		t.Errorf("got %s", LinkHash("a"))
	}
}

func TestHashers(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeTree(t, dir, map[string]string{"a": "0123456789", "b": "9876543210"})

	hashers := []Hasher{Shake256{}, Blake3{}}
	if _, err := exec.LookPath("sha1sum"); err == nil {
		hashers = append(hashers, &Sha1sum{Log: u.Discard()})
	}
	for _, h := range hashers {
		ha, err := h.Hash(a)
		if err != nil {
			t.Fatalf("%T: %v", h, err)
		}
		ha2, err := h.Hash(a)
		if err != nil {
			t.Fatalf("%T: %v", h, err)
		}
		hb, err := h.Hash(b)
		if err != nil {
			t.Fatalf("%T: %v", h, err)
		}
		if ha != ha2 {
			t.Errorf("%T: hash not deterministic", h)
		}
		if ha == hb {
			t.Errorf("%T: same-size files with different contents hash the same", h)
		}
		if _, err := h.Hash(filepath.Join(dir, "missing")); err == nil {
			t.Errorf("%T: expected error hashing a missing file", h)
		}
	}
}

func TestSha1sum(t *testing.T) {
	if _, err := exec.LookPath("sha1sum"); err != nil {
		t.Skip("sha1sum not available")
	}
	p := filepath.Join(t.TempDir(), "abc")
	if err := os.WriteFile(p, []byte("abc"), 0600); err != nil {
		t.Fatal(err)
	}
	h, err := (&Sha1sum{Log: u.Discard()}).Hash(p)
	if err != nil {
		t.Fatal(err)
	}
	if h != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("got %s", h)
	}
}

func TestRunProcessFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := RunProcess(u.Discard(), "sh", "-c", "echo boom >&2; exit 3")
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if pe.ExitCode != 3 {
		t.Errorf("exit code %d", pe.ExitCode)
	}
	if strings.TrimSpace(pe.Stderr) != "boom" {
		t.Errorf("stderr %q", pe.Stderr)
	}

	out, err := RunProcess(u.Discard(), "sh", "-c", "echo fine")
	if err != nil || strings.TrimSpace(out) != "fine" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 8}
	tb.Write([]byte("0123"))
	tb.Write([]byte("456789"))
	if s := tb.String(); s != "23456789" {
		t.Errorf("got %q", s)
	}
	tb.Write([]byte("abcdefghijkl"))
	if s := tb.String(); s != "efghijkl" {
		t.Errorf("got %q", s)
	}
}

func TestNewByName(t *testing.T) {
	for _, n := range []string{"", "tar", "builtin"} {
		if _, err := NewArchiver(n, nil); err != nil {
			t.Errorf("%q: %v", n, err)
		}
	}
	if _, err := NewArchiver("zip", nil); err == nil {
		t.Errorf("expected error for unknown archiver")
	}
	for _, n := range []string{"", "sha1sum", "shake256", "blake3"} {
		if _, err := NewHasher(n, nil); err != nil {
			t.Errorf("%q: %v", n, err)
		}
	}
	if _, err := NewHasher("md5", nil); err == nil {
		t.Errorf("expected error for unknown hasher")
	}
}
