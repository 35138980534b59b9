// state/lock.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package state

import (
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"golang.org/x/crypto/sha3"
)

// ErrLocked is returned when another process holds the snapshot lock for
// the same storage directory.
const ErrLocked = errors.ConstError("snapshot already in progress")

// Releaser releases a lock obtained with Lock.
type Releaser interface {
	Release()
}

// LockName returns the machine-wide mutex name used to serialize
// load-modify-save cycles against the storage directory dir. Mutex names
// are restricted to a short lowercase alphabet, so the path is hashed.
func LockName(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	var h [8]byte
	sha3.ShakeSum256(h[:], []byte(abs))
	return "bkchain-" + hex.EncodeToString(h[:])
}

// Lock acquires the named process-exclusive lock, waiting at most
// timeout for a concurrent holder to let go.
func Lock(name string, timeout time.Duration) (Releaser, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	r, err := mutex.Acquire(mutex.Spec{
		Name:    name,
		Clock:   clock.WallClock,
		Delay:   50 * time.Millisecond,
		Timeout: timeout,
	})
	if errors.Is(err, mutex.ErrTimeout) {
		return nil, errors.Annotatef(ErrLocked, "lock %s", name)
	} else if err != nil {
		return nil, errors.Annotatef(err, "lock %s", name)
	}
	return r, nil
}
