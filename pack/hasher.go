// pack/hasher.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
	u "github.com/mmp/bkchain/util"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hasher computes a fixed-length digest of a file's contents. Any
// failure, including a missing file, is returned to the caller.
type Hasher interface {
	Hash(path string) (string, error)
}

// NewHasher returns the Hasher with the given name: "sha1sum" runs the
// system's sha1sum, "shake256" and "blake3" hash in-process.
func NewHasher(name string, log *u.Logger) (Hasher, error) {
	switch name {
	case "", "sha1sum":
		return &Sha1sum{Log: log}, nil
	case "shake256":
		return Shake256{}, nil
	case "blake3":
		return Blake3{}, nil
	default:
		return nil, errors.NotValidf("hasher %q", name)
	}
}

// Sha1sum runs "sha1sum -b" on each file.
type Sha1sum struct {
	// Command defaults to "sha1sum".
	Command string
	Log     *u.Logger
}

func (s *Sha1sum) Hash(path string) (string, error) {
	cmd := s.Command
	if cmd == "" {
		cmd = "sha1sum"
	}
	out, err := RunProcess(s.Log, cmd, "-b", path)
	if err != nil {
		return "", errors.Trace(err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", errors.Errorf("%s: no output from %s", path, cmd)
	}
	// sha1sum marks lines for names with unusual characters with a
	// leading backslash.
	sum := strings.TrimPrefix(fields[0], "\\")
	if len(sum) != 40 {
		return "", errors.Errorf("%s: unexpected %s output %q", path, cmd, out)
	}
	return sum, nil
}

// Shake256 digests files with SHAKE256, keeping 32 bytes of output.
type Shake256 struct{}

func (Shake256) Hash(path string) (string, error) {
	h := sha3.NewShake256()
	if err := hashFile(path, h); err != nil {
		return "", err
	}
	var sum [32]byte
	_, _ = h.Read(sum[:])
	return hex.EncodeToString(sum[:]), nil
}

// Blake3 digests files with BLAKE3.
type Blake3 struct{}

func (Blake3) Hash(path string) (string, error) {
	h := blake3.New()
	if err := hashFile(path, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return errors.Annotatef(err, "%s", path)
}

// LinkHash returns the digest recorded for a symbolic link pointing at
// target. It carries a prefix so that it never equals a file digest.
func LinkHash(target string) string {
	var sum [32]byte
	sha3.ShakeSum256(sum[:], []byte(target))
	return "symlink:" + hex.EncodeToString(sum[:])
}
