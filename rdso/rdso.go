// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.
//
// The data is processed in segments of NDataShards*HashRate bytes, so
// memory use doesn't grow with the file size. For each segment, the .rs
// file stores a hash of every data and parity shard along with the
// parity shards themselves; any combination of up to NParityShards
// corrupt shards per segment can be repaired.
package rdso

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkchain/util"
	"golang.org/x/crypto/sha3"
)

// ErrFileCorrupt is returned by Check when the data or its parity
// doesn't match the stored hashes.
const ErrFileCorrupt = errors.ConstError("file corrupt")

// hashSize is the number of bytes in the hash values used to validate
// shards.
const hashSize = 64

type hash [hashSize]byte

// hashBytes computes the SHAKE256 hash of the given byte slice.
func hashBytes(b []byte) hash {
	var h hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type rsFileHeader struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	// Size of each shard in a segment.
	HashRate int
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes []hash
	Parity [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

func (h rsFileHeader) validate() error {
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 || h.FileSize < 0 {
		return errors.NotValidf("Reed-Solomon parameters %+v", h)
	}
	return nil
}

// Encode reads size bytes from r and writes their Reed-Solomon encoding
// to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards, hashRate int) error {
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	if err := h.validate(); err != nil {
		return err
	}
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return errors.Trace(err)
	}

	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return errors.Trace(err)
	}

	buf := make([]byte, h.segmentSize())
	var parity [][]byte
	for i := 0; i < nParityShards; i++ {
		parity = append(parity, make([]byte, hashRate))
	}

	for remaining := size; remaining > 0; {
		n := min(remaining, h.segmentSize())
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return errors.Annotate(err, "reading data")
		}
		// Zero pad the end of the last segment.
		clear(buf[n:])

		shards := append(split(buf, hashRate), parity...)
		if err := enc.Encode(shards); err != nil {
			return errors.Trace(err)
		}

		seg := rsFileSegment{Parity: parity}
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := genc.Encode(seg); err != nil {
			return errors.Trace(err)
		}
		remaining -= n
	}
	return nil
}

func split(b []byte, size int) (s [][]byte) {
	for len(b) > 0 {
		s = append(s, b[:size:size])
		b = b[size:]
	}
	return
}

// forEachSegment calls f with the header, the stored hashes and the
// shards of every segment, in order. The first h.NDataShards shards hold
// the data as read from data (zero-padded if it runs short); the rest
// are the parity shards stored in rs. f may modify and replace shards.
func forEachSegment(data, rs io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	return segments(data, rs, log, nil, f)
}

func segments(data, rs io.Reader, log *u.Logger, header func(h rsFileHeader) error,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return errors.Annotate(err, "reading Reed-Solomon header")
	}
	if err := h.validate(); err != nil {
		return err
	}
	if header != nil {
		if err := header(h); err != nil {
			return err
		}
	}

	buf := make([]byte, h.segmentSize())
	eof := false
	for segment, remaining := 0, h.FileSize; remaining > 0; segment++ {
		n := min(remaining, h.segmentSize())

		// A truncated data file reads as zeros; the hashes catch it.
		read := 0
		if !eof {
			var err error
			read, err = io.ReadFull(data, buf[:n])
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if log != nil {
					log.Warning("segment %d: data ends after %d bytes", segment, read)
				}
				eof = true
			} else if err != nil {
				return errors.Trace(err)
			}
		}
		clear(buf[read:])

		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return errors.Annotatef(err, "segment %d: reading Reed-Solomon data", segment)
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards || len(seg.Parity) != h.NParityShards {
			return errors.Errorf("segment %d: malformed Reed-Solomon data", segment)
		}

		shards := append(split(buf, h.HashRate), seg.Parity...)
		if err := f(h, seg.Hashes, shards); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// badShards sets the shards that don't match their hashes to nil and
// returns how many there were.
func badShards(h rsFileHeader, hashes []hash, shards [][]byte,
	report func(f string, args ...interface{})) int {
	bad := 0
	for i, s := range shards {
		if len(s) == h.HashRate && hashBytes(s) == hashes[i] {
			continue
		}
		if report != nil {
			if i < h.NDataShards {
				report("data shard %d hash mismatch", i)
			} else {
				report("parity shard %d hash mismatch", i-h.NDataShards)
			}
		}
		shards[i] = nil
		bad++
	}
	return bad
}

// Check reads the data from r and the encoding from rs and returns
// ErrFileCorrupt if any shard doesn't match its hash.
func Check(r, rs io.Reader, log *u.Logger) error {
	corrupt := false
	segment := 0
	err := forEachSegment(r, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		var report func(string, ...interface{})
		if log != nil {
			report = func(f string, args ...interface{}) {
				log.Error("segment %d: "+f, append([]interface{}{segment}, args...)...)
			}
		}
		if badShards(h, hashes, shards, report) > 0 {
			corrupt = true
		}
		segment++
		return nil
	})
	if err != nil {
		return err
	}
	if corrupt {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs the size bytes of data from r and rs, writing the
// repaired data to w and a repaired encoding to wrs. It fails if a
// segment has more corrupt shards than there is parity for.
func Restore(r, rs io.Reader, size int64, w, wrs io.Writer, log *u.Logger) error {
	genc := gob.NewEncoder(wrs)
	lw := &limitedWriter{W: w, N: size}
	var enc reedsolomon.Encoder
	segment := 0

	header := func(h rsFileHeader) error {
		if h.FileSize != size {
			return errors.Errorf("size %d doesn't match encoded size %d", size, h.FileSize)
		}
		var err error
		if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(genc.Encode(h))
	}

	err := segments(r, rs, log, header, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		var report func(string, ...interface{})
		if log != nil {
			report = func(f string, args ...interface{}) {
				log.Warning("segment %d: "+f, append([]interface{}{segment}, args...)...)
			}
		}

		if badShards(h, hashes, shards, report) > 0 {
			if err := enc.Reconstruct(shards); err != nil {
				return errors.Annotatef(err, "segment %d", segment)
			}
			for i, s := range shards {
				if hashBytes(s) != hashes[i] {
					return errors.Errorf("segment %d: shard %d still doesn't match after reconstruction",
						segment, i)
				}
			}
		}

		for _, s := range shards[:h.NDataShards] {
			if _, err := lw.Write(s); err != nil {
				return errors.Trace(err)
			}
		}
		segment++
		return errors.Trace(genc.Encode(rsFileSegment{Hashes: hashes, Parity: shards[h.NDataShards:]}))
	})
	return err
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Trace(err)
	}

	return writeFile(rsfn, func(w io.Writer) error {
		return Encode(f, fi.Size(), w, nDataShards, nParityShards, hashRate)
	})
}

// CheckFile checks the file fn against its encoding in rsfn.
func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return errors.Trace(err)
	}
	defer rs.Close()

	return Check(f, rs, log)
}

// RestoreFile writes the repaired contents of fn to fn+".recovered" and
// its repaired encoding to rsfn+".recovered".
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	return RestoreFileTo(fn, rsfn, fn+".recovered", rsfn+".recovered", log)
}

// RestoreFileTo writes the repaired contents of fn to out and its
// repaired encoding to rsout.
func RestoreFileTo(fn, rsfn, out, rsout string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return errors.Trace(err)
	}
	defer rs.Close()

	// The encoded size is needed up front; the data file itself may have
	// been truncated.
	var h rsFileHeader
	if err := gob.NewDecoder(rs).Decode(&h); err != nil {
		return errors.Annotatef(err, "%s", rsfn)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return errors.Trace(err)
	}

	return writeFile(out, func(w io.Writer) error {
		return writeFile(rsout, func(wrs io.Writer) error {
			return Restore(f, rs, h.FileSize, w, wrs, log)
		})
	})
}

// writeFile creates path via a temporary file that is renamed into place
// only if fill succeeds.
func writeFile(path string, fill func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), path))
}
