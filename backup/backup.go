// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup runs the daily pipeline: snapshot the origin, encrypt
// the new artifacts, protect them with parity, and mirror the latest
// encrypted chain to every configured destination.
package backup

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/bkchain/chain"
	"github.com/mmp/bkchain/config"
	"github.com/mmp/bkchain/crypt"
	"github.com/mmp/bkchain/mirror"
	"github.com/mmp/bkchain/pack"
	"github.com/mmp/bkchain/rdso"
	"github.com/mmp/bkchain/snapshot"
	u "github.com/mmp/bkchain/util"
	"golang.org/x/net/context"
)

// SecuredDir returns the directory encrypted artifacts are kept in.
func SecuredDir(storage string) string {
	return filepath.Join(storage, "output_secured")
}

// ParityDir returns the directory holding the Reed-Solomon encodings of
// the encrypted artifacts. It's kept apart from the encrypted artifacts
// so that chain scans and mirrors only ever see artifacts.
func ParityDir(storage string) string {
	return filepath.Join(storage, "parity")
}

// RecoveredDir returns where Fsck writes repaired artifacts.
func RecoveredDir(storage string) string {
	return filepath.Join(storage, "recovered")
}

type Result struct {
	// Snapshot lists the plaintext artifacts taken by this run.
	Snapshot chain.ArtifactSet
	// Encrypted lists their encrypted counterparts.
	Encrypted chain.ArtifactSet
	// Chain is the latest encrypted chain, as mirrored.
	Chain []string
}

// Pipeline holds what a run needs beyond the configuration; the zero
// values of its optional fields give the production behavior.
type Pipeline struct {
	Config *config.Config
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Destinations, if non-nil, replace the ones described by Config.
	Destinations []mirror.Destination
	Log          *u.Logger
}

// Run runs the pipeline once with the destinations from cfg.
func Run(cfg *config.Config, log *u.Logger) (Result, error) {
	return (&Pipeline{Config: cfg, Log: log}).Run()
}

func (p *Pipeline) Run() (Result, error) {
	cfg, log := p.Config, p.Log
	var res Result

	if err := checkOrigin(cfg.Origin, cfg.MinOriginSize); err != nil {
		return res, err
	}
	// Make sure the key is usable before anything gets written.
	secret, err := cfg.Secret()
	if err != nil {
		return res, err
	}
	if _, err := crypt.DeriveKey(secret); err != nil {
		return res, errors.Annotatef(err, "%s", cfg.KeyFile)
	}

	archiver, err := pack.NewArchiver(cfg.Archiver, log)
	if err != nil {
		return res, err
	}
	hasher, err := pack.NewHasher(cfg.Hasher, log)
	if err != nil {
		return res, err
	}
	engine, err := snapshot.New(snapshot.Options{
		Origin:      cfg.Origin,
		Storage:     cfg.Storage,
		Archiver:    archiver,
		Hasher:      hasher,
		Clock:       p.Clock,
		LockTimeout: cfg.LockTimeout,
		Log:         log,
	})
	if err != nil {
		return res, err
	}

	log.Print("%s: packing", cfg.Origin)
	if res.Snapshot, err = engine.DoSnapshot(); err != nil {
		return res, err
	}

	log.Print("encrypting")
	secured := SecuredDir(cfg.Storage)
	if _, err := encryptPending(secret, cfg.Storage, res.Snapshot, log); err != nil {
		return res, err
	}
	if res.Encrypted, err = crypt.Encrypt(secret, res.Snapshot, secured, log); err != nil {
		return res, err
	}

	if !cfg.Parity.Disable {
		log.Print("computing parity")
		if err := encodeParity(cfg, log); err != nil {
			return res, err
		}
	}

	if res.Chain, err = chain.ScanForLatestBackupChain(secured); err != nil {
		return res, err
	}

	dests := p.Destinations
	if dests == nil {
		var closeAll func()
		if dests, closeAll, err = destinations(cfg, log); err != nil {
			return res, err
		}
		defer closeAll()
	}
	failed := 0
	for _, d := range dests {
		log.Print("%s: syncing %d artifacts", d, len(res.Chain))
		if err := mirror.ReproduceExactly(res.Chain, d, log); err != nil {
			log.Error("%s: %s", d, err)
			failed++
		}
	}
	if failed > 0 {
		return res, errors.Errorf("%d of %d mirrors failed", failed, len(dests))
	}

	log.Print("done")
	return res, nil
}

// checkOrigin makes sure origin is a directory holding at least min
// bytes of regular files.
func checkOrigin(origin string, min int64) error {
	fi, err := os.Stat(origin)
	if err != nil {
		return errors.Trace(err)
	}
	if !fi.IsDir() {
		return errors.Errorf("%s: not a directory", origin)
	}
	if min <= 0 {
		return nil
	}

	var total int64
	done := errors.New("enough")
	err = filepath.WalkDir(origin, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if total += info.Size(); total >= min {
				return done
			}
		}
		return nil
	})
	if err != nil && err != done {
		return errors.Trace(err)
	}
	if total < min {
		return errors.Errorf("%s: holds %s, less than the minimum of %s", origin,
			u.FmtBytes(total), u.FmtBytes(min))
	}
	return nil
}

// encryptPending encrypts plaintext artifacts that an earlier, failed
// run left without an encrypted counterpart and returns the encrypted
// set, which is FULL if it holds a FULL artifact. Artifacts of the
// current snapshot are left to the caller.
func encryptPending(secret []byte, storage string, current chain.ArtifactSet, log *u.Logger) (chain.ArtifactSet, error) {
	skip := make(map[string]bool)
	for _, a := range current.Artifacts {
		skip[filepath.Base(a)] = true
	}
	pending, err := missing(snapshot.OutputDir(storage), SecuredDir(storage), "", skip)
	if err != nil || len(pending) == 0 {
		return chain.ArtifactSet{}, err
	}

	log.Warning("encrypting %d artifacts left over from an earlier run", len(pending))
	set := chain.ArtifactSet{Kind: chain.Incremental}
	for _, n := range pending {
		if ext, _ := chain.KindOf(n); ext == chain.ExtFull {
			set.Kind = chain.Full
		}
		set.Artifacts = append(set.Artifacts, filepath.Join(snapshot.OutputDir(storage), n))
	}
	enc, err := crypt.Encrypt(secret, set, SecuredDir(storage), log)
	if err != nil {
		return chain.ArtifactSet{}, err
	}
	// Any parity left for an earlier encryption no longer matches.
	for _, n := range pending {
		if err := os.Remove(parityPath(storage, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return chain.ArtifactSet{}, errors.Trace(err)
		}
	}
	return enc, nil
}

// encodeParity writes a parity file for every encrypted artifact that
// doesn't have one yet.
func encodeParity(cfg *config.Config, log *u.Logger) error {
	secured, parity := SecuredDir(cfg.Storage), ParityDir(cfg.Storage)
	if err := os.MkdirAll(parity, 0700); err != nil {
		return errors.Trace(err)
	}
	pending, err := missing(secured, parity, ".rs", nil)
	if err != nil {
		return err
	}
	p := cfg.Parity
	for _, n := range pending {
		log.Verbose("%s: computing Reed-Solomon parity", n)
		if err := rdso.EncodeFile(filepath.Join(secured, n), parityPath(cfg.Storage, n),
			p.DataShards, p.ParityShards, p.HashRate); err != nil {
			return errors.Annotatef(err, "%s", n)
		}
	}
	return nil
}

func parityPath(storage, artifact string) string {
	return filepath.Join(ParityDir(storage), artifact+".rs")
}

// missing returns the sorted names of the artifacts in from that have no
// counterpart, named with the given suffix added, in to.
func missing(from, to, suffix string, skip map[string]bool) ([]string, error) {
	src, err := artifacts(from)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool)
	if entries, err := os.ReadDir(to); err == nil {
		for _, e := range entries {
			have[e.Name()] = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Trace(err)
	}

	var m []string
	for _, n := range src {
		if !skip[n] && !have[n+suffix] {
			m = append(m, n)
		}
	}
	return m, nil
}

// artifacts returns the sorted names of the artifacts in dir. A missing
// dir holds none.
func artifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var names []string
	for _, e := range entries {
		if _, ok := chain.KindOf(e.Name()); ok && e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func destinations(cfg *config.Config, log *u.Logger) ([]mirror.Destination, func(), error) {
	var dests []mirror.Destination
	for _, dir := range cfg.Mirrors {
		dests = append(dests, mirror.NewDisk(dir, log))
	}
	if cfg.GCS == nil {
		return dests, func() {}, nil
	}

	g, err := mirror.NewGCS(context.Background(), mirror.GCSOptions{
		BucketName:              cfg.GCS.Bucket,
		ProjectId:               cfg.GCS.Project,
		Location:                cfg.GCS.Location,
		Prefix:                  cfg.GCS.Prefix,
		StorageClass:            cfg.GCS.StorageClass,
		MaxUploadBytesPerSecond: cfg.GCS.MaxUploadBytesPerSecond,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return append(dests, g), func() { g.Close() }, nil
}

// Fsck checks every encrypted artifact against its parity file. With
// repair set, damaged artifacts are reconstructed into RecoveredDir;
// the originals are left alone for the operator to swap in. It returns
// an error if any artifact is damaged or unprotected.
func Fsck(cfg *config.Config, repair bool, log *u.Logger) error {
	names, err := artifacts(SecuredDir(cfg.Storage))
	if err != nil {
		return err
	}
	if repair {
		if err := os.MkdirAll(RecoveredDir(cfg.Storage), 0700); err != nil {
			return errors.Trace(err)
		}
	}

	var unprotected, damaged, failed int
	for _, n := range names {
		fn, rsfn := filepath.Join(SecuredDir(cfg.Storage), n), parityPath(cfg.Storage, n)
		if _, err := os.Stat(rsfn); errors.Is(err, os.ErrNotExist) {
			log.Warning("%s: no parity file", n)
			unprotected++
			continue
		}

		err := rdso.CheckFile(fn, rsfn, log)
		if err == nil {
			log.Verbose("%s: ok", n)
			continue
		}
		if err != rdso.ErrFileCorrupt {
			log.Error("%s: %s", n, err)
			failed++
			continue
		}

		log.Error("%s: corrupt", n)
		damaged++
		if !repair {
			continue
		}
		out := filepath.Join(RecoveredDir(cfg.Storage), n)
		if err := rdso.RestoreFileTo(fn, rsfn, out, out+".rs", log); err != nil {
			log.Error("%s: unable to repair: %s", n, err)
			failed++
		} else {
			log.Print("%s: repaired copy written to %s", n, out)
		}
	}

	log.Print("%d artifacts checked: %d damaged, %d without parity, %d errors",
		len(names), damaged, unprotected, failed)
	if damaged+unprotected+failed > 0 {
		return errors.Errorf("%d artifacts need attention", damaged+unprotected+failed)
	}
	return nil
}
