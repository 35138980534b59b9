// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.
// bkchain's parity files live apart from the artifacts; --parity-dir
// points at them.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/bkchain/rdso"
	u "github.com/mmp/bkchain/util"
	"github.com/spf13/pflag"
)

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: rdso encode [--nshards n] [--nparity n] [--hashrate r] <files...>\n")
	fmt.Fprintf(os.Stderr, "usage: rdso <check,restore> <files...>\n\n")
	flags.PrintDefaults()
	os.Exit(1)
}

func main() {
	flags := pflag.NewFlagSet("rdso", pflag.ContinueOnError)
	nShards := flags.Int("nshards", 17, "number of data shards")
	nParity := flags.Int("nparity", 3, "number of parity shards")
	hashRate := flags.Int("hashrate", 1024*1024, "chunk size for file hashes")
	parityDir := flags.String("parity-dir", "", "directory holding the .rs files (default: next to each file)")
	if err := flags.Parse(os.Args[1:]); err != nil || flags.NArg() < 1 {
		usage(flags)
	}

	log := u.NewLogger(true /*verbose*/, false /*debug*/)
	rsname := func(fn string) string {
		if *parityDir == "" {
			return fn + ".rs"
		}
		return filepath.Join(*parityDir, filepath.Base(fn)+".rs")
	}

	files := flags.Args()[1:]
	switch flags.Arg(0) {
	case "encode":
		for _, fn := range files {
			if strings.HasSuffix(fn, ".rs") {
				log.Print("%s: skipping Reed-Solomon encoding of .rs file", fn)
				continue
			}
			err := rdso.EncodeFile(fn, rsname(fn), *nShards, *nParity, *hashRate)
			log.CheckError(err, "%s: %v\n", fn, err)
			log.Print("%s: created Reed-Solomon encoding file", rsname(fn))
		}
	case "check":
		for _, fn := range files {
			err := rdso.CheckFile(fn, rsname(fn), log)
			log.CheckError(err, "%s: %v\n", fn, err)
		}
		if log.Errors() > 0 {
			os.Exit(1)
		}
	case "restore":
		for _, fn := range files {
			err := rdso.RestoreFileTo(fn, rsname(fn), fn+".recovered", rsname(fn)+".recovered", log)
			log.CheckError(err, "%s: %v\n", fn, err)
		}
	default:
		usage(flags)
	}
}
