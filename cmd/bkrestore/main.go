// cmd/bkrestore/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bkrestore rebuilds a backed-up tree from a directory holding a chain of
// encrypted artifacts, such as one of the mirrors written by bkchain.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mmp/bkchain/pack"
	"github.com/mmp/bkchain/restore"
	u "github.com/mmp/bkchain/util"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run restores according to args and returns the process exit code.
func run(args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("bkrestore", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	verbose := flags.BoolP("verbose", "v", false, "print progress details")
	debug := flags.Bool("debug", false, "print debugging output")
	archiver := flags.String("archiver", "tar", `"tar" or "builtin"`)
	tmp := flags.String("tmpdir", "", "directory for decrypted artifacts (default: system temp)")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: bkrestore [flags] <key-file> <backup-dir> <output-dir>\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 3 {
		flags.Usage()
		return 1
	}
	key, backupDir, outputDir := flags.Arg(0), flags.Arg(1), flags.Arg(2)

	if _, err := os.Stat(key); err != nil {
		fmt.Fprintf(stderr, "%s: key file not found\n", key)
		return 1
	}
	if fi, err := os.Stat(backupDir); err != nil || !fi.IsDir() {
		fmt.Fprintf(stderr, "%s: backup directory not found\n", backupDir)
		return 1
	}

	log := u.NewLoggerTo(stderr, *verbose, *debug)
	a, err := pack.NewArchiver(*archiver, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	err = restore.RestoreOrigin(outputDir, backupDir, key, restore.Options{
		Archiver: a,
		TempDir:  *tmp,
		Log:      log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "restore failed: %v\n", err)
		return 1
	}
	log.Print("%s: restored", outputDir)
	return 0
}
