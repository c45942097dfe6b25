package tasks

import (
	"path/filepath"
	"slices"
	"sync"
)

// ArtifactLocks serializes writes to shared build artifacts between the
// goroutines of one task body, such as parallel regression tests appending
// to the same log. Each cleaned path gets its own mutex.
type ArtifactLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewArtifactLocks creates an empty lock set.
func NewArtifactLocks() *ArtifactLocks {
	return &ArtifactLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for path, creating it on first use.
func (a *ArtifactLocks) Lock(path string) {
	path = filepath.Clean(path)

	a.mu.Lock()
	l, ok := a.locks[path]
	if !ok {
		l = &sync.Mutex{}
		a.locks[path] = l
	}
	a.mu.Unlock()

	// Outside the map lock so other paths stay available.
	l.Lock()
}

// Unlock releases the mutex for path.
func (a *ArtifactLocks) Unlock(path string) {
	path = filepath.Clean(path)

	a.mu.Lock()
	l, ok := a.locks[path]
	a.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires every path in sorted order, so two callers locking
// overlapping sets cannot deadlock.
func (a *ArtifactLocks) LockAll(paths []string) {
	for _, p := range sortedPaths(paths) {
		a.Lock(p)
	}
}

// UnlockAll releases every path in reverse sorted order.
func (a *ArtifactLocks) UnlockAll(paths []string) {
	sorted := sortedPaths(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		a.Unlock(sorted[i])
	}
}

// With runs fn while holding the locks for paths.
func (a *ArtifactLocks) With(paths []string, fn func() error) error {
	a.LockAll(paths)
	defer a.UnlockAll(paths)
	return fn()
}

func sortedPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.Clean(p))
	}
	slices.Sort(out)
	return slices.Compact(out)
}
