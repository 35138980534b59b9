// mirror/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"os"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Memory is a Destination that keeps everything in RAM. It's really only
// useful for tests of code that mirrors to a Destination.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	// Counts of calls, for tests that check what was (not) done.
	Puts, Removes int
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	m.Removes++
	return nil
}

func (m *Memory) Put(name string, src string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = b
	m.Puts++
	return nil
}

// Set stores data under name directly, without counting as a Put.
func (m *Memory) Set(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

// Contents returns a copy of the data stored under name.
func (m *Memory) Contents(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	return append([]byte(nil), b...), ok
}
