// mirror/mirror_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	u "github.com/mmp/bkchain/util"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0600); err != nil {
			t.Fatal(err)
		}
	}
}

// checkDir makes sure that dir holds exactly the given files.
func checkDir(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var got, expected []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	for name, contents := range files {
		expected = append(expected, name)
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("%s: %v", name, err)
		} else if string(b) != contents {
			t.Errorf("%s: got %q, expected %q", name, b, contents)
		}
	}
	sort.Strings(expected)
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("%s holds %v, expected %v", dir, got, expected)
	}
}

var backupFiles = map[string]string{
	"20170701.FULL":        "Full snapshot",
	"20170702.DELETED":     "List of deleted files",
	"20170702.INCREMENTAL": "Incremental update",
	"20170730.FULL":        "Full snapshot",
	"20170731.DELETED":     "List of deleted files",
	"20170731.INCREMENTAL": "Incremental update",
	"20170801.DELETED":     "List of deleted files",
	"20170801.INCREMENTAL": "Incremental update",
	"20170803.DELETED":     "List of deleted files",
	"20170803.INCREMENTAL": "Incremental update",
	"20170808.DELETED":     "List of deleted files",
	"20170808.INCREMENTAL": "Incremental update",
}

var currentChain = []string{
	"20170730.FULL",
	"20170731.DELETED", "20170731.INCREMENTAL",
	"20170801.DELETED", "20170801.INCREMENTAL",
	"20170803.DELETED", "20170803.INCREMENTAL",
	"20170808.DELETED", "20170808.INCREMENTAL",
}

func chainPaths(dir string) []string {
	var p []string
	for _, n := range currentChain {
		p = append(p, filepath.Join(dir, n))
	}
	return p
}

func expectedChain() map[string]string {
	m := make(map[string]string)
	for _, n := range currentChain {
		m[n] = backupFiles[n]
	}
	return m
}

func TestReproduceExactlyOffFileList(t *testing.T) {
	log := u.Discard()
	src := filepath.Join(t.TempDir(), "packed_and_encrypted")
	writeFiles(t, src, backupFiles)

	dst := filepath.Join(t.TempDir(), "copy_to")
	writeFiles(t, dst, map[string]string{
		"20170701.FULL":        "Full snapshot",
		"20170702.DELETED":     "List of deleted files",
		"20170702.INCREMENTAL": "Incremental update",
		"20170730.FULL":        "Full snapshot",
		"20170731.DELETED":     "List of deleted files",
		"20170731.INCREMENTAL": "Incremental update",
		"20170801.DELETED":     "List of deleted files",
		"20170801.INCREMENTAL": "Incremental update",
	})
	// Extraneous directories go too.
	writeFiles(t, filepath.Join(dst, "old"), map[string]string{"x": "x"})

	if err := ReproduceExactlyOffFileList(chainPaths(src), dst, log); err != nil {
		t.Fatal(err)
	}
	checkDir(t, dst, expectedChain())

	// Idempotent.
	if err := ReproduceExactlyOffFileList(chainPaths(src), dst, log); err != nil {
		t.Fatal(err)
	}
	checkDir(t, dst, expectedChain())
}

func TestReproduceIntoEmpty(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, backupFiles)
	dst := t.TempDir()
	if err := ReproduceExactlyOffFileList(chainPaths(src), dst, u.Discard()); err != nil {
		t.Fatal(err)
	}
	checkDir(t, dst, expectedChain())

	// An empty list empties the destination.
	if err := ReproduceExactlyOffFileList(nil, dst, u.Discard()); err != nil {
		t.Fatal(err)
	}
	checkDir(t, dst, map[string]string{})
}

func TestReproduceMissingDestination(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, backupFiles)
	dst := filepath.Join(t.TempDir(), "unmounted")
	if err := ReproduceExactlyOffFileList(chainPaths(src), dst, u.Discard()); err == nil {
		t.Errorf("expected error for a missing destination")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("missing destination was created")
	}
}

func TestReproduceMissingSource(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := ReproduceExactlyOffFileList([]string{filepath.Join(src, "20170730.FULL")}, dst, u.Discard()); err == nil {
		t.Errorf("expected error copying a missing file")
	}
	checkDir(t, dst, map[string]string{})
}

// Present names are trusted: a stale or corrupt copy under a listed name
// is left alone.
func TestReproduceDoesNotRecopy(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, backupFiles)

	m := NewMemory()
	m.Set("20170730.FULL", []byte("stale"))
	m.Set("20170701.FULL", []byte("extraneous"))

	if err := ReproduceExactly(chainPaths(src), m, u.Discard()); err != nil {
		t.Fatal(err)
	}
	names, _ := m.List()
	expected := append([]string(nil), currentChain...)
	sort.Strings(expected)
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("got %v", names)
	}
	if b, _ := m.Contents("20170730.FULL"); string(b) != "stale" {
		t.Errorf("present file was recopied")
	}
	if b, _ := m.Contents("20170808.INCREMENTAL"); string(b) != "Incremental update" {
		t.Errorf("got %q", b)
	}
	if m.Puts != len(currentChain)-1 || m.Removes != 1 {
		t.Errorf("%d puts, %d removes", m.Puts, m.Removes)
	}

	m.Puts, m.Removes = 0, 0
	if err := ReproduceExactly(chainPaths(src), m, u.Discard()); err != nil {
		t.Fatal(err)
	}
	if m.Puts != 0 || m.Removes != 0 {
		t.Errorf("second run: %d puts, %d removes", m.Puts, m.Removes)
	}
}

func TestDiskPutLeavesNoTemporary(t *testing.T) {
	src := filepath.Join(t.TempDir(), "20170730.FULL")
	if err := os.WriteFile(src, bytes.Repeat([]byte("x"), 100000), 0600); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	d := NewDisk(dir, u.Discard())
	if err := d.Put("20170730.FULL", src); err != nil {
		t.Fatal(err)
	}
	names, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"20170730.FULL"}) {
		t.Errorf("got %v", names)
	}
}

func TestLimiter(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	// 800 B/s releases 94 bytes per tick.
	l := NewLimiter(800, clk)
	defer l.Stop()

	data := bytes.Repeat([]byte("y"), 1000)
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(l.Reader(bytes.NewReader(data)))
		done <- b
	}()

	for i := 0; i < 10; i++ {
		if err := clk.WaitAdvance(refillInterval, time.Second, 1); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-done:
		t.Fatalf("read finished with only 940 bytes of budget")
	case <-time.After(50 * time.Millisecond):
	}

	if err := clk.WaitAdvance(refillInterval, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-done:
		if !bytes.Equal(b, data) {
			t.Errorf("limited reader returned %d bytes", len(b))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("read didn't finish")
	}
}

func TestNilLimiter(t *testing.T) {
	l := NewLimiter(0, nil)
	if l != nil {
		t.Fatalf("expected nil limiter")
	}
	r := bytes.NewReader([]byte("abc"))
	if l.Reader(r) != io.Reader(r) {
		t.Errorf("nil limiter wrapped its reader")
	}
	l.Stop()
}
