// chain/chain.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chain defines how snapshot artifacts are named and how the
// sequence of artifacts needed for a restore is recovered from a
// directory listing.
//
// Every artifact is named <YYYYMMDD><ext>. Because the date is fixed
// width and most-significant first, sorting names as strings sorts them
// by date; all of the chain logic depends on that.
package chain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	ExtFull        = ".FULL"
	ExtIncremental = ".INCREMENTAL"
	ExtDeleted     = ".DELETED"
)

// DatedPrefixLayout is the time layout of the prefix of artifact names.
const DatedPrefixLayout = "20060102"

var ErrNoFullSnapshot = errors.New("no full snapshot")

// Kind says whether an ArtifactSet came from a full or an incremental
// snapshot.
type Kind int

const (
	Full Kind = iota
	Incremental
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "FULL"
	case Incremental:
		return "INCREMENTAL"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ArtifactSet lists the files produced by a single snapshot, in the
// order they must be applied. It's passed around by value and never
// modified after creation.
type ArtifactSet struct {
	Kind      Kind
	Artifacts []string
}

// DatedPrefix returns the prefix for artifacts created at time t, using
// t's UTC date.
func DatedPrefix(t time.Time) string {
	return t.UTC().Format(DatedPrefixLayout)
}

// ValidPrefix reports whether p is an 8-digit date prefix.
func ValidPrefix(p string) bool {
	if len(p) != len(DatedPrefixLayout) {
		return false
	}
	_, err := time.Parse(DatedPrefixLayout, p)
	return err == nil
}

// Name returns the artifact name for the given prefix and extension.
func Name(prefix, ext string) string {
	return prefix + ext
}

// IsArtifactExt reports whether ext is one of the three artifact
// extensions.
func IsArtifactExt(ext string) bool {
	return ext == ExtFull || ext == ExtIncremental || ext == ExtDeleted
}

// KindOf returns the artifact extension of name, and false if name
// doesn't carry one of the three artifact extensions.
func KindOf(name string) (string, bool) {
	ext := filepath.Ext(name)
	return ext, IsArtifactExt(ext)
}

// HasPrefix reports whether dir already holds an artifact with the given
// dated prefix. A missing directory holds nothing.
func HasPrefix(dir, prefix string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	for _, e := range entries {
		ext, ok := KindOf(e.Name())
		if ok && strings.TrimSuffix(e.Name(), ext) == prefix {
			return true, nil
		}
	}
	return false, nil
}

// ScanForLatestBackupChain returns the absolute paths of the most recent
// FULL artifact in dir and of every entry that sorts after it. It fails
// with ErrNoFullSnapshot if dir holds no FULL artifact.
func ScanForLatestBackupChain(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	lastFull := -1
	for i := len(names) - 1; i >= 0; i-- {
		if filepath.Ext(names[i]) == ExtFull {
			lastFull = i
			break
		}
	}
	if lastFull == -1 {
		return nil, fmt.Errorf("%s: %w", abs, ErrNoFullSnapshot)
	}

	var paths []string
	for _, n := range names[lastFull:] {
		paths = append(paths, filepath.Join(abs, n))
	}
	return paths, nil
}
