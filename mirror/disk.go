// mirror/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	u "github.com/mmp/bkchain/util"
)

// Disk is a Destination backed by a local directory. The directory isn't
// created if it's missing: a mirror on an unmounted drive should fail
// rather than quietly fill up the disk underneath the mount point.
type Disk struct {
	dir string
	log *u.Logger
}

func NewDisk(dir string, log *u.Logger) *Disk {
	return &Disk{dir: dir, log: log}
}

func (d *Disk) String() string {
	return d.dir
}

func (d *Disk) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (d *Disk) Remove(name string) error {
	return errors.Trace(os.RemoveAll(filepath.Join(d.dir, name)))
}

func (d *Disk) Put(name string, src string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Trace(err)
	}
	defer in.Close()

	dst := filepath.Join(d.dir, name)
	tmp := filepath.Join(d.dir, "."+name+".tmp")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	r := &u.ReportingReader{R: in, Msg: dst, Log: d.log}
	if _, err := io.Copy(out, r); err != nil {
		return errors.Annotatef(err, "%s", dst)
	}
	r.Close()
	if err := out.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := out.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, dst))
}
