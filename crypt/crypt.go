// crypt/crypt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt encrypts and decrypts backup artifacts. Each file is
// stored as a random 16-byte initialization vector followed by the
// AES-256-CTR encryption of the plaintext.
//
// There is no authentication: a modified ciphertext decrypts to
// modified plaintext without complaint. Integrity of the stored
// artifacts is the job of the parity files.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/mmp/bkchain/chain"
	u "github.com/mmp/bkchain/util"
)

const (
	ivLength = aes.BlockSize
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

// ErrKeyTooShort is returned for secrets shorter than KeySize bytes.
const ErrKeyTooShort = errors.ConstError("secret must be at least 32 bytes")

// DeriveKey turns a secret of at least KeySize bytes into an AES-256
// key: for i < 32, in sequence, byte i is XORed with byte len-1-i of
// the partially folded secret, and the first 32 bytes are the key. This
// is not a real key derivation function; it's kept so that existing
// backups remain readable. The bytes are folded as they are: a key file
// that isn't valid UTF-8 is not first decoded as text, so it derives a
// different key than tools that read it as a string would.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, errors.Annotatef(ErrKeyTooShort, "got %d bytes", len(secret))
	}
	b := append([]byte(nil), secret...)
	for i := 0; i < KeySize; i++ {
		b[i] ^= b[len(b)-1-i]
	}
	return b[:KeySize], nil
}

// Encrypt encrypts each artifact of set into outDir under its own
// basename and returns the resulting set, of the same kind and in the
// same order. Existing files in outDir are never overwritten.
func Encrypt(secret []byte, set chain.ArtifactSet, outDir string, log *u.Logger) (chain.ArtifactSet, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return chain.ArtifactSet{}, err
	}
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return chain.ArtifactSet{}, errors.Trace(err)
	}

	result := chain.ArtifactSet{Kind: set.Kind}
	for _, src := range set.Artifacts {
		dst := filepath.Join(outDir, filepath.Base(src))
		if _, err := os.Lstat(dst); err == nil {
			return chain.ArtifactSet{}, errors.AlreadyExistsf("%s", dst)
		}
		if err := EncryptFile(key, src, dst, log); err != nil {
			return chain.ArtifactSet{}, err
		}
		log.Verbose("%s: encrypted to %s", src, dst)
		result.Artifacts = append(result.Artifacts, dst)
	}
	return result, nil
}

// Decrypt decrypts each of files into destination under its own
// basename and returns the paths of the plaintext files in order.
func Decrypt(secret []byte, files []string, destination string, log *u.Logger) ([]string, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destination, 0700); err != nil {
		return nil, errors.Trace(err)
	}

	var out []string
	for _, src := range files {
		dst := filepath.Join(destination, filepath.Base(src))
		if err := DecryptFile(key, src, dst, log); err != nil {
			return nil, err
		}
		log.Debug("%s: decrypted to %s", src, dst)
		out = append(out, dst)
	}
	return out, nil
}

// EncryptFile writes the encryption of src under key to dst, replacing
// dst atomically once the ciphertext is complete.
func EncryptFile(key []byte, src, dst string, log *u.Logger) error {
	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return errors.Annotate(err, "generating IV")
	}
	stream, err := newStream(key, iv)
	if err != nil {
		return err
	}

	return transform(src, dst, log, "encrypting", func(r io.Reader, w io.Writer) error {
		if _, err := w.Write(iv); err != nil {
			return err
		}
		_, err := io.Copy(&cipher.StreamWriter{S: stream, W: w}, r)
		return err
	})
}

// DecryptFile writes the decryption of src, as written by EncryptFile,
// to dst.
func DecryptFile(key []byte, src, dst string, log *u.Logger) error {
	return transform(src, dst, log, "decrypting", func(r io.Reader, w io.Writer) error {
		iv := make([]byte, ivLength)
		if _, err := io.ReadFull(r, iv); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errors.Errorf("%s: too short to hold an IV", src)
			}
			return err
		}
		stream, err := newStream(key, iv)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, &cipher.StreamReader{S: stream, R: r})
		return err
	})
}

func newStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewCTR(block, iv), nil
}

// transform runs f from src to a temporary file next to dst, which is
// renamed to dst if f succeeds and removed otherwise.
func transform(src, dst string, log *u.Logger, what string, f func(r io.Reader, w io.Writer) error) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Trace(err)
	}
	defer in.Close()

	// The leading dot keeps stray temporaries out of chain scans, since
	// they sort before any dated name.
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+"-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	r := &u.ReportingReader{R: in, Msg: what + " " + filepath.Base(src), Log: log}
	if err := f(r, tmp); err != nil {
		return errors.Annotatef(err, "%s", src)
	}
	r.Close()
	if err := tmp.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), dst))
}
