// cmd/bkchain/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document describes the way that bkchain stores backups in sufficient
detail that (if ever necessary) it's possible to restore one even without
the bkchain source code. Everything needed is a copy of one mirror and the
key file.

# Artifacts

Each daily run produces one or two artifacts, named after the UTC date of
the run:

	YYYYMMDD.FULL         archive of the entire origin tree
	YYYYMMDD.INCREMENTAL  archive of the files that are new or changed
	YYYYMMDD.DELETED      JSON array of the absolute paths of the files
	                      and symlinks removed since the last run

Names sort chronologically. A chain is the most recent FULL followed by
every artifact that sorts after it; the mirrors hold exactly the latest
chain and nothing else.

The archives are gzip-compressed tar files. Member names are the absolute
paths of the backed up files with the leading "/" removed, so extracting
them into a directory D puts a file that was backed up as /x/y at D/x/y.

# Encryption

Every artifact is encrypted with AES-256 in CTR mode. The file starts with
a random 16 byte initialization vector; the ciphertext follows.

The key is derived from the contents of the key file, which must be at
least 32 bytes long. Call them b and their length n. For i from 0 to 31,
in order, b[i] is replaced with b[i] XOR b[n-1-i]; the first 32 bytes of
the result are the key. (For keys shorter than 64 bytes, some of the bytes
XORed in have already been changed by earlier steps.)

# Restoring

Decrypt every artifact of the chain and apply them in name order to an
empty directory: extract FULL and INCREMENTAL archives into it, overwriting
any existing files, and remove every path listed in a DELETED file. When
an INCREMENTAL and a DELETED artifact share a date, the DELETED one sorts
first and is applied first.

# Reed-Solomon encoding

Encrypted artifacts kept in the intermediate storage directory have
Reed-Solomon parity in parity/<artifact>.rs. The .rs files are a sequence
of values written with the Go "gob" encoding package: first a header

type rsFileHeader struct {
	FileSize      int64
	NDataShards   int
	NParityShards int
	HashRate      int
}

then, for each successive NDataShards*HashRate bytes of the artifact (the
last segment padded with zeros), one

type rsFileSegment struct {
	// SHAKE256 hashes of the data shards, then of the parity shards.
	Hashes [][64]byte
	Parity [][]byte
}

# State

The intermediate storage directory also holds database/origin_state.json,
the record of every file in the origin as of the last run (path, size and
content hash) along with the size of the last FULL and the total size of
the INCREMENTAL artifacts since. It isn't needed for restoring.

`
