// cmd/bkchain_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bkchain_e2etest runs the backup pipeline over a randomly evolving tree
// for a number of simulated days, restoring from the mirror after each
// one and comparing the result against the tree.

package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/mmp/bkchain/backup"
	"github.com/mmp/bkchain/config"
	"github.com/mmp/bkchain/pack"
	"github.com/mmp/bkchain/restore"
	u "github.com/mmp/bkchain/util"
	"github.com/spf13/pflag"
)

var (
	log          *u.Logger
	nDirs        = 1
	createdFiles = make(map[string]bool)
)

func main() {
	seed := pflag.Int64("seed", int64(os.Getpid()), "random seed")
	days := pflag.Int("days", 20, "number of daily backups to run")
	verbose := pflag.BoolP("verbose", "v", false, "print progress details")
	keep := pflag.Bool("keep", false, "don't remove the working directory")
	pflag.Parse()

	log = u.NewLogger(*verbose, false)
	log.Print("Seed %d", *seed)
	rand.Seed(*seed)

	base, err := os.MkdirTemp("", "bkchain-e2e-")
	log.CheckError(err)
	if !*keep {
		defer os.RemoveAll(base)
	}
	log.Print("working directory: %s", base)

	cfg := config.Default()
	cfg.Origin = filepath.Join(base, "src")
	cfg.Storage = filepath.Join(base, "intermediate")
	cfg.KeyFile = filepath.Join(base, "key")
	cfg.Mirrors = []string{filepath.Join(base, "mirror")}
	cfg.Archiver = "builtin"
	cfg.Hasher = []string{"sha1sum", "shake256", "blake3"}[rand.Intn(3)]
	cfg.Parity = config.ParityConfig{
		Disable:      rand.Intn(4) == 0,
		DataShards:   1 + rand.Intn(24),
		ParityShards: 1 + rand.Intn(8),
		HashRate:     128 + (1 << uint(rand.Intn(20))),
	}
	log.Print("hasher %s, parity %+v", cfg.Hasher, cfg.Parity)
	log.CheckError(cfg.Validate())

	for _, d := range append([]string{cfg.Origin}, cfg.Mirrors...) {
		log.CheckError(os.MkdirAll(d, 0700))
	}
	key := make([]byte, 32+rand.Intn(64))
	_, _ = rand.Read(key)
	log.CheckError(os.WriteFile(cfg.KeyFile, key, 0600))

	clk := testclock.NewClock(time.Date(2017, 7, 30, 12, 0, 0, 0, time.UTC))
	p := &backup.Pipeline{Config: cfg, Clock: clk, Log: log}
	for i := 0; i < *days; i++ {
		log.CheckError(update(cfg.Origin))

		res, err := p.Run()
		log.CheckError(err)
		log.Print("day %d: %s snapshot, chain of %d", i, res.Snapshot.Kind, len(res.Chain))

		dst := filepath.Join(base, "restored")
		log.CheckError(os.RemoveAll(dst))
		err = restore.RestoreOrigin(dst, cfg.Mirrors[0], cfg.KeyFile, restore.Options{
			Archiver: &pack.Tarball{Log: log},
			TempDir:  base,
			Log:      log,
		})
		log.CheckError(err)
		log.CheckError(compare(cfg.Origin, filepath.Join(dst, pack.MemberName(cfg.Origin))))

		if !cfg.Parity.Disable {
			log.CheckError(backup.Fsck(cfg, false, log))
		}
		clk.Advance(24 * time.Hour)
	}
	log.Print("%d days backed up and restored", *days)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(20) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func randomBytes(n int64) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// update creates, modifies and removes a random selection of files and
// directories under dir.
func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	var doomed []string
	log.Verbose("Updating %s", dir)

	err := filepath.Walk(dir, func(path string, stat os.FileInfo, patherr error) error {
		if patherr != nil {
			return patherr
		}

		if stat.IsDir() {
			dirsToCreate := 0
			for i := 0; i < dirsLeftToCreate; i++ {
				if rand.Intn(nDirs) == 0 {
					dirsToCreate++
					n := name(path)
					if err := os.Mkdir(n, 0700); err != nil {
						return err
					}
					log.Verbose("%s: created directory", n)
				}
			}
			nDirs += dirsToCreate
			dirsLeftToCreate -= dirsToCreate

			filesToCreate := 0
			for i := 0; i < filesLeftToCreate; i++ {
				if rand.Intn(nDirs) == 0 {
					filesToCreate++
					n := name(path)
					b := randomBytes(expSize())
					if err := os.WriteFile(n, b, 0600); err != nil {
						return err
					}
					log.Verbose("%s: created file. length %d", n, len(b))
				}
			}
			filesLeftToCreate -= filesToCreate
			return nil
		}

		switch rand.Intn(8) {
		case 0:
			doomed = append(doomed, path)
		case 1, 2:
			f, err := os.OpenFile(path, os.O_WRONLY, 0666)
			if err != nil {
				return err
			}
			defer f.Close()

			// seek somewhere and write some stuff
			offset := int64(0)
			if stat.Size() > 0 {
				offset = rand.Int63n(stat.Size())
			}
			b := randomBytes(expSize())
			if _, err = f.WriteAt(b, offset); err != nil {
				return err
			}
			log.Verbose("%s: wrote %d bytes at offset %d", path, len(b), offset)

			if randBool() && stat.Size() > 0 {
				sz := rand.Int63n(stat.Size())
				if err := f.Truncate(sz); err != nil {
					return err
				}
				log.Verbose("%s: truncated at %d", path, sz)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range doomed {
		log.Verbose("%s: removing", p)
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// compare reports an error unless the regular files under patha and pathb
// have the same names and contents.
func compare(patha, pathb string) error {
	a, err := readTree(patha)
	if err != nil {
		return err
	}
	b, err := readTree(pathb)
	if err != nil {
		return err
	}

	mismatches := 0
	for n, ca := range a {
		if cb, ok := b[n]; !ok {
			log.Error("%s: not restored", n)
			mismatches++
		} else if !bytes.Equal(ca, cb) {
			log.Error("%s: contents differ", n)
			mismatches++
		}
	}
	for n := range b {
		if _, ok := a[n]; !ok {
			log.Error("%s: restored but no longer exists", n)
			mismatches++
		}
	}
	if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}

func readTree(root string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[strings.TrimPrefix(p, root)] = b
		return nil
	})
	return files, err
}
