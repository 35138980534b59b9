// cmd/bkchain/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// bkchain takes the daily backup of a directory tree: a FULL or
// INCREMENTAL snapshot is archived, encrypted, protected with
// Reed-Solomon parity and the latest chain of encrypted artifacts is
// mirrored to each configured destination.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mmp/bkchain/backup"
	"github.com/mmp/bkchain/config"
	u "github.com/mmp/bkchain/util"
	"github.com/spf13/pflag"
)

var log *u.Logger

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: bkchain [flags] backup\n")
	fmt.Fprintf(os.Stderr, "       bkchain [flags] fsck [--repair]\n")
	fmt.Fprintf(os.Stderr, "       bkchain readme\n\n")
	flags.PrintDefaults()
	os.Exit(1)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bkchain.yaml"
	}
	return filepath.Join(dir, "bkchain", "config.yaml")
}

func main() {
	flags := pflag.NewFlagSet("bkchain", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath(), "configuration file")
	verbose := flags.BoolP("verbose", "v", false, "print progress details")
	debug := flags.Bool("debug", false, "print debugging output")
	repair := flags.Bool("repair", false, "fsck: write repaired copies of damaged artifacts")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			usage(flags)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if flags.NArg() != 1 {
		usage(flags)
	}

	if flags.Arg(0) == "readme" {
		fmt.Print(readmeText)
		return
	}

	log = u.NewLogger(*verbose, *debug)
	cfg, err := config.LoadFile(*configPath)
	log.CheckError(err)

	switch flags.Arg(0) {
	case "backup":
		if *repair {
			usage(flags)
		}
		_, err := backup.Run(cfg, log)
		log.CheckError(err)
	case "fsck":
		log.CheckError(backup.Fsck(cfg, *repair, log))
	default:
		usage(flags)
	}
}
