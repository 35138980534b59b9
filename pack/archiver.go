// pack/archiver.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package pack provides the two external capabilities the snapshot
// engine relies on: packing files into a single archive (and unpacking
// it again), and computing content digests of files. Each comes in a
// flavor that shells out to the usual command-line tool and a built-in
// flavor that doesn't need anything installed.
package pack

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
	u "github.com/mmp/bkchain/util"
)

// Archiver packs files into a single archive file and extracts them
// again. Archive members are named by their absolute path with the
// leading separator removed, so extracting into a directory d recreates
// /x/y as d/x/y.
type Archiver interface {
	// ArchiveTree archives root and everything beneath it into out.
	ArchiveTree(root, out string) error
	// ArchiveFiles archives exactly the given absolute paths into out.
	ArchiveFiles(paths []string, out string) error
	// Extract unpacks archive into destDir, overwriting existing files.
	Extract(archive, destDir string) error
}

// MemberName returns the name under which the file at the absolute path
// p is stored in an archive.
func MemberName(p string) string {
	return strings.TrimLeft(filepath.ToSlash(filepath.Clean(p)), "/")
}

// NewArchiver returns the Archiver with the given name: "tar" for the
// system tar command, "builtin" for the in-process implementation.
func NewArchiver(name string, log *u.Logger) (Archiver, error) {
	switch name {
	case "", "tar":
		return &Tar{Log: log}, nil
	case "builtin":
		return &Tarball{Log: log}, nil
	default:
		return nil, errors.NotValidf("archiver %q", name)
	}
}

///////////////////////////////////////////////////////////////////////////
// Tar

// Tar runs the system's (GNU) tar to produce gzip-compressed archives.
type Tar struct {
	// Command defaults to "tar".
	Command string
	Log     *u.Logger
}

func (t *Tar) command() string {
	if t.Command == "" {
		return "tar"
	}
	return t.Command
}

func (t *Tar) ArchiveTree(root, out string) error {
	_, err := RunProcess(t.Log, t.command(), "-czf", out, "-C", "/", MemberName(root))
	return errors.Trace(err)
}

func (t *Tar) ArchiveFiles(paths []string, out string) error {
	// Feed the names through a NUL-separated list file so that no name
	// can be mistaken for an option and newlines in names survive.
	list, err := os.CreateTemp("", "bkchain-list-")
	if err != nil {
		return errors.Trace(err)
	}
	defer os.Remove(list.Name())

	for _, p := range paths {
		if _, err := io.WriteString(list, MemberName(p)+"\x00"); err != nil {
			list.Close()
			return errors.Trace(err)
		}
	}
	if err := list.Close(); err != nil {
		return errors.Trace(err)
	}

	_, err = RunProcess(t.Log, t.command(), "-czf", out, "-C", "/", "--no-recursion",
		"--null", "-T", list.Name())
	return errors.Trace(err)
}

// Extract relies on GNU tar not following symlinks created by the same
// archive ("delayed symlinks").
func (t *Tar) Extract(archive, destDir string) error {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return errors.Trace(err)
	}
	_, err := RunProcess(t.Log, t.command(), "-xzf", archive, "-C", destDir)
	return errors.Trace(err)
}

///////////////////////////////////////////////////////////////////////////
// Tarball

// Tarball writes and reads gzip-compressed tar archives in-process, in
// the same layout the Tar archiver produces.
type Tarball struct {
	Log *u.Logger
}

func (tb *Tarball) ArchiveTree(root, out string) error {
	return tb.write(out, func(tw *tar.Writer) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return addMember(tw, path)
		})
	})
}

func (tb *Tarball) ArchiveFiles(paths []string, out string) error {
	return tb.write(out, func(tw *tar.Writer) error {
		for _, p := range paths {
			if err := addMember(tw, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// write creates out, which must not exist yet, and hands fill a tar
// writer for it. out is removed if anything goes wrong.
func (tb *Tarball) write(out string, fill func(tw *tar.Writer) error) (err error) {
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	if err := fill(tw); err != nil {
		return errors.Annotatef(err, "%s", out)
	}
	if err := tw.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(gz.Close())
}

func addMember(tw *tar.Writer, path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}

	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	} else if !fi.Mode().IsRegular() && !fi.IsDir() {
		// Sockets, devices and the like aren't backed up.
		return nil
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return err
	}
	hdr.Name = MemberName(path)
	if fi.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(tw, f)
	if err != nil {
		return err
	}
	if n != hdr.Size {
		return fmt.Errorf("%s: file changed size while archiving", path)
	}
	return nil
}

func (tb *Tarball) Extract(archive, destDir string) error {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return errors.Trace(err)
	}

	f, err := os.Open(archive)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Annotatef(err, "%s", archive)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Annotatef(err, "%s", archive)
		}

		target, err := memberPath(destDir, hdr.Name)
		if err != nil {
			return errors.Annotatef(err, "%s", archive)
		}
		tb.Log.Debug("%s: extracting %s", archive, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := makeDirs(destDir, target); err != nil {
				return errors.Trace(err)
			}
		case tar.TypeReg:
			if err := makeDirs(destDir, filepath.Dir(target)); err != nil {
				return errors.Trace(err)
			}
			if err := extractFile(tr, hdr, target); err != nil {
				return errors.Annotatef(err, "%s", target)
			}
		case tar.TypeSymlink:
			if err := makeDirs(destDir, filepath.Dir(target)); err != nil {
				return errors.Trace(err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Trace(err)
			}
		default:
			tb.Log.Warning("%s: %s: skipping unsupported member type %c",
				archive, hdr.Name, hdr.Typeflag)
		}
	}
}

// memberPath maps an archive member name to its location under destDir,
// refusing names that would land outside of it.
func memberPath(destDir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: archive member escapes destination", name)
	}
	return filepath.Join(destDir, clean), nil
}

// makeDirs creates dir, which must lie beneath destDir, along with any
// missing parents. A symlink found on the way is replaced with a real
// directory rather than followed, so nothing is ever written outside of
// destDir.
func makeDirs(destDir, dir string) error {
	rel, err := filepath.Rel(destDir, dir)
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	p := destDir
	for _, c := range strings.Split(rel, string(filepath.Separator)) {
		p = filepath.Join(p, c)
		fi, err := os.Lstat(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return err
		case fi.IsDir():
			continue
		case fi.Mode()&os.ModeSymlink != 0:
			if err := os.Remove(p); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: not a directory", p)
		}
		if err := os.Mkdir(p, 0700); err != nil {
			return err
		}
	}
	return nil
}

// extractFile writes a regular file member to target; its directory must
// already exist.
func extractFile(r io.Reader, hdr *tar.Header, target string) error {
	// Replace rather than rewrite: an earlier extraction may have left a
	// symlink here, or a file without write permission.
	if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(target, hdr.FileInfo().Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}
