// mirror/mirror.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package mirror makes a destination hold exactly a given list of files:
// names the list doesn't mention are removed and listed files that are
// missing are copied over. Destinations can be local directories or a
// Google Cloud Storage bucket.
package mirror

import (
	"path/filepath"
	"sort"

	"github.com/juju/errors"
	u "github.com/mmp/bkchain/util"
)

// Destination is a flat namespace of files that can be listed, removed
// and added to.
type Destination interface {
	String() string
	// List returns the names of all entries in the destination.
	List() ([]string, error)
	// Remove deletes the named entry, along with anything beneath it.
	Remove(name string) error
	// Put stores a copy of the local file src under name; the entry
	// doesn't appear under name until the copy is complete.
	Put(name string, src string) error
}

// ReproduceExactly makes dest hold precisely the basenames of fileList.
// Extraneous entries are removed first, then missing files are copied
// in list order. An entry that is already present under a listed name
// is assumed to be correct and is not copied again, even if its contents
// differ. Running it twice with the same list leaves dest unchanged.
//
// Errors are returned as soon as they happen; whatever was removed or
// copied up to that point stays that way.
func ReproduceExactly(fileList []string, dest Destination, log *u.Logger) error {
	wanted := make(map[string]bool)
	for _, f := range fileList {
		wanted[filepath.Base(f)] = true
	}

	present, err := dest.List()
	if err != nil {
		return errors.Annotatef(err, "%s", dest)
	}
	sort.Strings(present)

	have := make(map[string]bool)
	for _, name := range present {
		if wanted[name] {
			have[name] = true
			continue
		}
		log.Verbose("%s: removing extraneous %s", dest, name)
		if err := dest.Remove(name); err != nil {
			return errors.Annotatef(err, "%s: %s", dest, name)
		}
	}

	for _, f := range fileList {
		name := filepath.Base(f)
		if have[name] {
			log.Debug("%s: %s already present", dest, name)
			continue
		}
		log.Verbose("%s: copying %s", dest, f)
		if err := dest.Put(name, f); err != nil {
			return errors.Annotatef(err, "%s: %s", dest, name)
		}
		have[name] = true
	}
	return nil
}

// ReproduceExactlyOffFileList is ReproduceExactly with a local directory,
// which must already exist, as the destination.
func ReproduceExactlyOffFileList(fileList []string, dir string, log *u.Logger) error {
	return ReproduceExactly(fileList, NewDisk(dir, log), log)
}
