// mirror/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).

package mirror

import (
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out a per-second byte budget to the readers it wraps.
// A nil *Limiter doesn't limit anything.
type Limiter struct {
	mu   sync.Mutex
	cond *sync.Cond
	// Maximum number of bytes that may currently be read. Reduced by
	// Read() and periodically increased by the refill loop.
	available int
	perSecond int
	stopped   bool
	stop      chan struct{}
}

const refillInterval = 125 * time.Millisecond

// NewLimiter returns a Limiter allowing bytesPerSecond, or nil if
// bytesPerSecond is zero or negative.
func NewLimiter(bytesPerSecond int, clk clock.Clock) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.WallClock
	}
	l := &Limiter{perSecond: bytesPerSecond, stop: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.refill(clk)
	return l
}

func (l *Limiter) refill(clk clock.Clock) {
	for {
		select {
		case <-l.stop:
			return
		case <-clk.After(refillInterval):
		}

		l.mu.Lock()
		// Release 1/8th of the per-second limit every 8th of a second.
		// The 94/100 factor adds some slop to account for TCP/IP overhead
		// and HTTP headers so that the actual bandwidth used doesn't
		// exceed the limit.
		l.available += l.perSecond * 94 / 100 / 8
		if l.available > l.perSecond {
			// Never queue up more than one second's worth.
			l.available = l.perSecond
		}
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// Stop ends the refill loop; readers are no longer limited afterward.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stop)
		l.cond.Broadcast()
	}
}

// Reader returns an io.Reader that reads from r no faster than the
// limit allows.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return rateLimitedReader{R: r, l: l}
}

type rateLimitedReader struct {
	R io.Reader
	l *Limiter
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l
	l.mu.Lock()
	for l.available <= 0 && !l.stopped {
		l.cond.Wait()
	}
	if l.stopped {
		l.mu.Unlock()
		return lr.R.Read(dst)
	}

	n := len(dst)
	if n > l.available {
		n = l.available
	}
	// Claim the budget and relinquish the lock so other readers can
	// claim theirs.
	l.available -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// Give back what was reserved but not used.
		l.mu.Lock()
		l.available += n - read
		l.mu.Unlock()
	}
	return read, err
}
