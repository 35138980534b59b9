// snapshot/snapshot.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package snapshot turns the current contents of an origin directory
// into backup artifacts: a FULL archive of everything, or an INCREMENTAL
// archive of what changed plus a DELETED list of what went away.
package snapshot

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/bkchain/chain"
	"github.com/mmp/bkchain/pack"
	"github.com/mmp/bkchain/state"
	u "github.com/mmp/bkchain/util"
)

// ErrArtifactExists is returned when an artifact for the current date is
// already present; snapshots never overwrite earlier artifacts.
const ErrArtifactExists = errors.ConstError("artifact already exists")

// Options configures an Engine.
type Options struct {
	// Origin is the directory being backed up.
	Origin string
	// Storage persists between runs; it holds the plaintext artifacts
	// and the state file.
	Storage string

	Archiver pack.Archiver
	Hasher   pack.Hasher

	// Clock supplies the date used for artifact names. Defaults to the
	// wall clock.
	Clock clock.Clock
	// LockTimeout bounds how long DoSnapshot waits for a concurrent run
	// against the same storage to finish.
	LockTimeout time.Duration

	Log *u.Logger
}

// Engine decides between full and incremental snapshots and produces
// the corresponding artifacts.
type Engine struct {
	origin    string
	outputDir string
	store     *state.Store
	lockName  string
	opts      Options
	log       *u.Logger
}

// OutputDir returns the directory plaintext artifacts are written to.
func OutputDir(storage string) string {
	return filepath.Join(storage, "output_tar")
}

// StatePath returns the location of the state file inside storage.
func StatePath(storage string) string {
	return filepath.Join(storage, "database", "origin_state.json")
}

func New(opts Options) (*Engine, error) {
	if opts.Archiver == nil || opts.Hasher == nil {
		return nil, errors.New("snapshot: archiver and hasher are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	origin, err := filepath.Abs(opts.Origin)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fi, err := os.Stat(origin)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s: not a directory", origin)
	}

	storage, err := filepath.Abs(opts.Storage)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if within(origin, storage) {
		return nil, errors.Errorf("%s: storage must not be inside the origin %s", storage, origin)
	}
	e := &Engine{
		origin:    origin,
		outputDir: OutputDir(storage),
		store:     state.New(StatePath(storage)),
		lockName:  state.LockName(storage),
		opts:      opts,
		log:       opts.Log,
	}
	if err := os.MkdirAll(e.outputDir, 0700); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// DoSnapshot takes the next snapshot. It's a FULL snapshot if nothing
// has been tracked yet or if the increments since the last FULL have
// grown to be larger than it; otherwise it's INCREMENTAL.
//
// State is saved only after all artifacts have been written; if anything
// fails, the artifacts written so far are removed and the previous state
// is left untouched.
func (e *Engine) DoSnapshot() (chain.ArtifactSet, error) {
	lock, err := state.Lock(e.lockName, e.opts.LockTimeout)
	if err != nil {
		return chain.ArtifactSet{}, errors.Trace(err)
	}
	defer lock.Release()

	prev, err := e.store.Load()
	if err != nil {
		return chain.ArtifactSet{}, err
	}

	prefix := chain.DatedPrefix(e.opts.Clock.Now())
	exists, err := chain.HasPrefix(e.outputDir, prefix)
	if err != nil {
		return chain.ArtifactSet{}, errors.Trace(err)
	} else if exists {
		return chain.ArtifactSet{}, errors.Annotatef(ErrArtifactExists, "%s: %s", e.outputDir, prefix)
	}

	if len(prev.PackedFiles) == 0 || prev.CumulativeIncrementSize > prev.LastFullSize {
		e.log.Verbose("%s: full snapshot (increments %s, last full %s)", e.origin,
			u.FmtBytes(prev.CumulativeIncrementSize), u.FmtBytes(prev.LastFullSize))
		return e.full(prefix)
	}
	e.log.Verbose("%s: incremental snapshot", e.origin)
	return e.incremental(prefix, prev)
}

func (e *Engine) artifactPath(prefix, ext string) string {
	return filepath.Join(e.outputDir, chain.Name(prefix, ext))
}

func (e *Engine) full(prefix string) (set chain.ArtifactSet, err error) {
	// Scan before archiving: anything that changes after the scan is then
	// picked up by the next incremental, rather than being recorded as
	// stored when the archive doesn't have it.
	files, err := ScanDir(e.origin, e.opts.Hasher, e.log)
	if err != nil {
		return set, err
	}

	out := e.artifactPath(prefix, chain.ExtFull)
	if err := mustNotExist(out); err != nil {
		return set, err
	}
	defer removeOnError(&err, out)

	e.log.Verbose("%s: archiving %d files", out, len(files))
	if err := e.opts.Archiver.ArchiveTree(e.origin, out); err != nil {
		return set, errors.Annotatef(err, "%s", out)
	}
	size, err := fileSize(out)
	if err != nil {
		return set, err
	}

	st := &state.OriginState{
		PackedFiles:             files,
		LastFullSize:            size,
		CumulativeIncrementSize: 0,
	}
	if err := e.store.Save(st); err != nil {
		return set, err
	}

	e.log.Print("%s: %s", out, u.FmtBytes(size))
	return chain.ArtifactSet{Kind: chain.Full, Artifacts: []string{out}}, nil
}

func (e *Engine) incremental(prefix string, prev *state.OriginState) (set chain.ArtifactSet, err error) {
	files, err := ScanDir(e.origin, e.opts.Hasher, e.log)
	if err != nil {
		return set, err
	}
	removed, changed := Diff(prev.PackedFiles, files)
	e.log.Verbose("%s: %d removed, %d new or changed", e.origin, len(removed), len(changed))

	var artifacts []string
	if len(removed) > 0 {
		deleted := e.artifactPath(prefix, chain.ExtDeleted)
		if err := writeDeleted(deleted, removed); err != nil {
			return set, err
		}
		defer removeOnError(&err, deleted)
		artifacts = append(artifacts, deleted)
	}

	out := e.artifactPath(prefix, chain.ExtIncremental)
	if err := mustNotExist(out); err != nil {
		return set, err
	}
	defer removeOnError(&err, out)

	if err := e.opts.Archiver.ArchiveFiles(changed, out); err != nil {
		return set, errors.Annotatef(err, "%s", out)
	}
	size, err := fileSize(out)
	if err != nil {
		return set, err
	}
	artifacts = append(artifacts, out)

	st := &state.OriginState{
		PackedFiles:             files,
		LastFullSize:            prev.LastFullSize,
		CumulativeIncrementSize: prev.CumulativeIncrementSize + size,
	}
	if err := e.store.Save(st); err != nil {
		return set, err
	}

	e.log.Print("%s: %s", out, u.FmtBytes(size))
	return chain.ArtifactSet{Kind: chain.Incremental, Artifacts: artifacts}, nil
}

// Diff compares two scans. removed holds the paths only in prev;
// changed holds the paths in cur that are new or whose size or content
// hash differ. Both are sorted.
func Diff(prev, cur map[string]state.FileRecord) (removed, changed []string) {
	for p := range prev {
		if _, ok := cur[p]; !ok {
			removed = append(removed, p)
		}
	}
	for p, r := range cur {
		if old, ok := prev[p]; !ok || !old.Same(r) {
			changed = append(changed, p)
		}
	}
	sort.Strings(removed)
	sort.Strings(changed)
	return
}

// ScanDir walks root recursively and records the size and content hash
// of every regular file and symbolic link under it, keyed by absolute
// path. Files are hashed one at a time; a link is recorded by its target,
// which is never followed.
func ScanDir(root string, h pack.Hasher, log *u.Logger) (map[string]state.FileRecord, error) {
	files := make(map[string]state.FileRecord)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			log.Debug("%s: scanning", path)
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return errors.Annotatef(err, "%s", path)
			}
			files[path] = state.FileRecord{Path: path, Size: int64(len(target)),
				ContentHash: pack.LinkHash(target)}
			return nil
		}
		if !d.Type().IsRegular() {
			log.Verbose("%s: skipping special file", path)
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := h.Hash(path)
		if err != nil {
			return errors.Annotatef(err, "%s", path)
		}
		files[path] = state.FileRecord{Path: path, Size: fi.Size(), ContentHash: sum}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return files, nil
}

func writeDeleted(path string, removed []string) error {
	b, err := json.Marshal(removed)
	if err != nil {
		return errors.Trace(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return errors.Annotatef(ErrArtifactExists, "%s", path)
	} else if err != nil {
		return errors.Trace(err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Annotatef(err, "%s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.Annotatef(err, "%s", path)
	}
	return nil
}

func mustNotExist(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return errors.Annotatef(ErrArtifactExists, "%s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Trace(err)
	}
	return nil
}

// within reports whether path is dir or lies beneath it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeOnError(err *error, path string) {
	if *err != nil {
		os.Remove(path)
	}
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return fi.Size(), nil
}
