package coherence

import (
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// Locker is scoped exclusive acquisition of a namespace's lock. Lock
// blocks indefinitely (the protocol has no deadlines) and returns a
// release function that must run on every exit path:
//
//	release, err := locker.Lock()
//	if err != nil {
//		return err
//	}
//	defer release()
type Locker interface {
	Lock() (release func(), err error)
}

// mutexRegistry shares one mutex per namespace across all stores in the
// process, so two single-process stores on the same namespace actually
// exclude each other.
var mutexRegistry = struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}{mutexes: make(map[string]*sync.Mutex)}

// InProcessLocker guards a namespace with a process-local mutex.
type InProcessLocker struct {
	mu *sync.Mutex
}

// NewInProcessLocker returns the locker for a namespace. Repeated calls
// with the same namespace share the underlying mutex.
func NewInProcessLocker(namespace string) *InProcessLocker {
	mutexRegistry.mu.Lock()
	defer mutexRegistry.mu.Unlock()
	m, ok := mutexRegistry.mutexes[namespace]
	if !ok {
		m = &sync.Mutex{}
		mutexRegistry.mutexes[namespace] = m
	}
	return &InProcessLocker{mu: m}
}

// Lock implements Locker.
func (l *InProcessLocker) Lock() (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// FileLocker guards a namespace with flock(2) on the namespace's lock
// file, so exclusivity holds across every process sharing the working
// directory. An inner mutex serializes goroutines of this process onto
// the single file descriptor, since flock locks are per open file
// description.
type FileLocker struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileLocker creates a locker on the given lock file path. The file
// is created lazily on first Lock.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

// Lock implements Locker. It blocks until both the in-process mutex and
// the file lock are held.
func (l *FileLocker) Lock() (func(), error) {
	l.mu.Lock()
	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			l.mu.Unlock()
			return nil, errors.Wrapf(err, "coherence: open lock file %s", l.path)
		}
		l.f = f
	}
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_EX); err != nil {
		l.mu.Unlock()
		return nil, errors.Wrapf(err, "coherence: flock %s", l.path)
	}
	return func() {
		// Best-effort: an unlock failure leaves the flock held until
		// process exit, which fails safe (peers block, never corrupt).
		_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
		l.mu.Unlock()
	}, nil
}

// Close releases the lock file descriptor.
func (l *FileLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
