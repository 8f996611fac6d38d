package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Lock is a held (store, scope) lock.
type Lock struct {
	key     string
	file    *flock.Flock
	release func()
}

// Manager hands out one lock per (store, scope) pair. The in-process
// registry covers goroutines of this process; the lock file covers other
// processes sharing lockDir.
type Manager struct {
	dir  string
	mu   sync.Mutex
	held map[string]bool
}

func NewManager(dir string) *Manager {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "posvault-locks")
	}
	return &Manager{dir: dir, held: map[string]bool{}}
}

// ErrBusy reports that another backup or restore holds the lock.
type ErrBusy struct {
	Key string
}

func (e *ErrBusy) Error() string {
	return fmt.Sprintf("another backup/restore is already running (lock: %s)", e.Key)
}

// Acquire obtains the lock for storeID and scope without waiting.
func (m *Manager) Acquire(storeID, scope string) (*Lock, error) {
	key := storeID + "-" + scope

	m.mu.Lock()
	if m.held[key] {
		m.mu.Unlock()
		return nil, &ErrBusy{Key: key}
	}
	m.held[key] = true
	m.mu.Unlock()

	unregister := func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		unregister()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(m.dir, key+".lock")
	file := flock.New(path)
	ok, err := file.TryLock()
	if err != nil {
		unregister()
		return nil, err
	}
	if !ok {
		unregister()
		return nil, &ErrBusy{Key: path}
	}
	return &Lock{key: key, file: file, release: unregister}, nil
}

// Release frees the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Unlock()
	if l.release != nil {
		l.release()
		l.release = nil
	}
	return err
}
