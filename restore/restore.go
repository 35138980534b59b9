// restore/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore rebuilds an origin tree from the latest chain of
// encrypted artifacts.
package restore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/mmp/bkchain/chain"
	"github.com/mmp/bkchain/crypt"
	"github.com/mmp/bkchain/pack"
	u "github.com/mmp/bkchain/util"
)

const (
	// ErrUnknownArtifact is returned when the chain holds a file that
	// isn't a FULL, INCREMENTAL or DELETED artifact.
	ErrUnknownArtifact = errors.ConstError("unknown artifact in chain")
	// ErrPathEscapes is returned when a DELETED list names a path outside
	// of the directory being restored into.
	ErrPathEscapes = errors.ConstError("path escapes restore directory")
)

type Options struct {
	// Archiver extracts FULL and INCREMENTAL artifacts. Defaults to the
	// system tar.
	Archiver pack.Archiver
	// TempDir is where decrypted artifacts are held while they're
	// applied. Defaults to the system temporary directory.
	TempDir string
	Log     *u.Logger
}

// RestoreOrigin decrypts the latest chain in chainDir with the secret
// stored in keyPath and applies it, in order, to originDir: FULL and
// INCREMENTAL artifacts are extracted into it and the paths listed in
// DELETED artifacts are removed from it. Archives store absolute paths,
// so a file backed up as /x/y ends up at originDir/x/y.
func RestoreOrigin(originDir, chainDir, keyPath string, opts Options) error {
	log := opts.Log
	archiver := opts.Archiver
	if archiver == nil {
		archiver = &pack.Tar{Log: log}
	}

	secret, err := os.ReadFile(keyPath)
	if err != nil {
		return errors.Trace(err)
	}
	key, err := crypt.DeriveKey(secret)
	if err != nil {
		return errors.Annotatef(err, "%s", keyPath)
	}

	artifacts, err := chain.ScanForLatestBackupChain(chainDir)
	if err != nil {
		return errors.Trace(err)
	}
	// Check the whole chain before touching anything.
	for _, a := range artifacts {
		if _, ok := chain.KindOf(a); !ok {
			return errors.Annotatef(ErrUnknownArtifact, "%s", a)
		}
	}
	log.Verbose("%s: restoring chain of %d artifacts", chainDir, len(artifacts))

	if err := os.MkdirAll(originDir, 0700); err != nil {
		return errors.Trace(err)
	}
	tmp, err := os.MkdirTemp(opts.TempDir, "bkchain-restore-")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.RemoveAll(tmp)

	for _, a := range artifacts {
		plain := filepath.Join(tmp, filepath.Base(a))
		if err := crypt.DecryptFile(key, a, plain, log); err != nil {
			return err
		}

		ext, _ := chain.KindOf(a)
		switch ext {
		case chain.ExtFull, chain.ExtIncremental:
			log.Print("%s: unpacking", filepath.Base(a))
			if err := archiver.Extract(plain, originDir); err != nil {
				return errors.Annotatef(err, "%s", a)
			}
		case chain.ExtDeleted:
			log.Print("%s: deleting", filepath.Base(a))
			if err := applyDeleted(plain, originDir, log); err != nil {
				return errors.Annotatef(err, "%s", a)
			}
		}

		// Only one decrypted artifact is kept around at a time.
		if err := os.Remove(plain); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func applyDeleted(list, originDir string, log *u.Logger) error {
	b, err := os.ReadFile(list)
	if err != nil {
		return errors.Trace(err)
	}
	var paths []string
	if err := json.Unmarshal(b, &paths); err != nil {
		return errors.Annotate(err, "parsing list of deleted files")
	}

	// Validate everything first so that a bad entry doesn't leave the
	// list half applied.
	targets := make([]string, len(paths))
	for i, p := range paths {
		if targets[i], err = deletedPath(originDir, p); err != nil {
			return err
		}
	}
	for _, t := range targets {
		log.Debug("%s: removing", t)
		if err := os.RemoveAll(t); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// deletedPath returns where the listed absolute path p lives under
// originDir.
func deletedPath(originDir, p string) (string, error) {
	target := filepath.Join(originDir, p)
	rel, err := filepath.Rel(originDir, target)
	if err != nil {
		return "", errors.Trace(err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Annotatef(ErrPathEscapes, "%q", p)
	}
	return target, nil
}
