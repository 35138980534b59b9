// state/state.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package state persists what the snapshot engine has already stored:
// the tracked file map and the size counters used to pick between full
// and incremental snapshots.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// FileRecord describes one tracked file as of the last scan.
type FileRecord struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
}

// Same reports whether the two records describe identical file
// contents. Equal sizes alone aren't enough.
func (r FileRecord) Same(o FileRecord) bool {
	return r.Size == o.Size && r.ContentHash == o.ContentHash
}

// OriginState is everything remembered between runs.
type OriginState struct {
	PackedFiles map[string]FileRecord `json:"packedFiles"`
	// Size in bytes of the most recent FULL artifact.
	LastFullSize int64 `json:"lastFullSize"`
	// Sum of the sizes of INCREMENTAL artifacts since that FULL.
	CumulativeIncrementSize int64 `json:"cumulativeIncrementSize"`
}

func NewOriginState() *OriginState {
	return &OriginState{PackedFiles: make(map[string]FileRecord)}
}

// ParseError is returned by Load when a state file exists but can't be
// used. There is no automatic recovery: starting over would silently
// discard the tracking history.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: corrupt state file: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const workInProgressSuffix = ".wip"

// Store owns the on-disk representation of an OriginState.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted state, or a fresh empty state if nothing
// has been saved yet.
func (s *Store) Load() (*OriginState, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewOriginState(), nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	st, err := decode(b)
	if err != nil {
		return nil, &ParseError{Path: s.path, Err: err}
	}
	return st, nil
}

func decode(b []byte) (*OriginState, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var st OriginState
	if err := dec.Decode(&st); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after state document")
	}

	if st.PackedFiles == nil {
		st.PackedFiles = make(map[string]FileRecord)
	}
	if st.LastFullSize < 0 || st.CumulativeIncrementSize < 0 {
		return nil, errors.New("negative size counter")
	}
	for p, r := range st.PackedFiles {
		if r.Path != p {
			return nil, errors.Errorf("%s: record path %q doesn't match its key", p, r.Path)
		}
		if r.Size < 0 {
			return nil, errors.Errorf("%s: negative file size", p)
		}
	}
	return &st, nil
}

// Save replaces the persisted state. The new contents are written to a
// side file that is renamed into place, so a crash leaves either the old
// state or the new one.
func (s *Store) Save(st *OriginState) error {
	if st.PackedFiles == nil {
		st = &OriginState{
			PackedFiles:             make(map[string]FileRecord),
			LastFullSize:            st.LastFullSize,
			CumulativeIncrementSize: st.CumulativeIncrementSize,
		}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Trace(err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Trace(err)
	}

	tmp := s.path + workInProgressSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Annotatef(err, "%s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Annotatef(err, "%s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Annotatef(err, "%s", tmp)
	}
	return errors.Trace(os.Rename(tmp, s.path))
}
