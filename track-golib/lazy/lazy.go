package lazy

import (
	"sync"
)

// Loader lazily loads data on first use and allows unloading it again.
// Load/unload behavior is supplied as closures so the Loader can be
// embedded in handles that own heavyweight in-memory state.
type Loader struct {
	load   func() error
	unload func()

	lock    sync.RWMutex
	once    sync.Once
	loaded  bool
	loadErr error
}

// NewLoader creates a new Loader
func NewLoader(load func() error, unload func()) *Loader {
	return &Loader{
		load:   load,
		unload: unload,
	}
}

// LoadAndLock ensures load has run, and locks against Unload until Unlock is
// called. Callers should immediately defer l.Unlock() after verifying that
// LoadAndLock did not return an error.
func (l *Loader) LoadAndLock() error {
	// defer unlock if l.load() panics
	deferUnlock := true
	l.lock.RLock()
	defer func() {
		if deferUnlock {
			l.lock.RUnlock()
		}
	}()

	l.once.Do(func() {
		l.loadErr = l.load()
		l.loaded = l.loadErr == nil
	})
	if l.loadErr == nil {
		// l.load() ran without a panic or error, don't defer unlock
		deferUnlock = false
	}
	return l.loadErr
}

// Unlock unlocks the Loader for unloading
func (l *Loader) Unlock() {
	l.lock.RUnlock()
}

// Unload unloads the underlying data, returning the Loader to its inert
// state. A later LoadAndLock loads again from scratch.
func (l *Loader) Unload() {
	// ensure we're not stepping on a reader's toes
	l.lock.Lock()
	defer l.lock.Unlock()
	l.once = sync.Once{}
	l.unload()
	l.loaded = false
	l.loadErr = nil
}

// Loaded reports whether the underlying data is currently resident.
func (l *Loader) Loaded() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.loaded
}
