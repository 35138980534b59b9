// state/state_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissing(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "database", "origin_state.json"))
	st, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.PackedFiles) != 0 || st.LastFullSize != 0 || st.CumulativeIncrementSize != 0 {
		t.Errorf("expected empty state, got %+v", st)
	}
	if st.PackedFiles == nil {
		t.Errorf("expected non-nil map")
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "database", "origin_state.json"))

	st := NewOriginState()
	st.PackedFiles["/a/b"] = FileRecord{Path: "/a/b", Size: 12, ContentHash: "abc"}
	st.PackedFiles["/a/c"] = FileRecord{Path: "/a/c", Size: 0, ContentHash: "def"}
	st.LastFullSize = 1000
	st.CumulativeIncrementSize = 17
	if err := s.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(s.Path() + workInProgressSuffix); !os.IsNotExist(err) {
		t.Errorf("work-in-progress file left behind: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastFullSize != 1000 || got.CumulativeIncrementSize != 17 {
		t.Errorf("counters: got %+v", got)
	}
	if len(got.PackedFiles) != 2 || got.PackedFiles["/a/b"] != st.PackedFiles["/a/b"] {
		t.Errorf("files: got %+v", got.PackedFiles)
	}

	// Saving again replaces everything.
	if err := s.Save(NewOriginState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.PackedFiles) != 0 || got.LastFullSize != 0 {
		t.Errorf("expected replaced state, got %+v", got)
	}
}

func TestSaveIgnoresStaleSideFile(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "origin_state.json"))
	// A crash in a previous run may have left a half-written side file.
	if err := os.WriteFile(s.Path()+workInProgressSuffix, []byte(`{"packedF`), 0600); err != nil {
		t.Fatal(err)
	}
	st := NewOriginState()
	st.LastFullSize = 5
	if err := s.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.LastFullSize != 5 {
		t.Errorf("got %+v", got)
	}
}

func TestLoadCorrupt(t *testing.T) {
	for _, contents := range []string{
		``,
		`{"packedFiles": {`,
		`not json at all`,
		`{"packedFiles": {}, "lastFullSize": 1} {}`,
		`{"packedFiles": {}, "bogus": 1}`,
		`{"packedFiles": {"/x": {"path": "/y", "size": 1, "contentHash": "h"}}}`,
		`{"packedFiles": {"/x": {"path": "/x", "size": -1, "contentHash": "h"}}}`,
		`{"packedFiles": {}, "lastFullSize": -4}`,
	} {
		path := filepath.Join(t.TempDir(), "origin_state.json")
		if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
			t.Fatal(err)
		}
		_, err := New(path).Load()
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("%q: expected ParseError, got %v", contents, err)
		}
	}
}

func TestSame(t *testing.T) {
	a := FileRecord{Path: "/f", Size: 10, ContentHash: "1111"}
	if !a.Same(a) {
		t.Errorf("record not the same as itself")
	}
	if a.Same(FileRecord{Path: "/f", Size: 10, ContentHash: "2222"}) {
		t.Errorf("same size, different hash reported as same")
	}
	if a.Same(FileRecord{Path: "/f", Size: 11, ContentHash: "1111"}) {
		t.Errorf("different size reported as same")
	}
}

func TestLock(t *testing.T) {
	name := LockName(t.TempDir())
	r, err := Lock(name, time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if _, err := Lock(name, 100*time.Millisecond); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked while held, got %v", err)
	}

	r.Release()
	r, err = Lock(name, time.Second)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	r.Release()
}

func TestLockName(t *testing.T) {
	a, b := LockName("/tmp/one"), LockName("/tmp/two")
	if a == b {
		t.Errorf("distinct directories share lock name %s", a)
	}
	if a != LockName("/tmp/one/") {
		t.Errorf("lock name depends on trailing slash")
	}
	if len(a) > 40 {
		t.Errorf("%s: lock name too long", a)
	}
}
