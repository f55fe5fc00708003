package atomicfile

import (
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
)

// LockSuffix is appended to a file name to form its lock file.
const LockSuffix = ".lock"

// processLocks serializes holders within this process. The file lock only
// excludes other processes, and some filesystems (memfs) do not implement
// it at all.
var processLocks sync.Map

// Lock is an exclusive lock on a file name, held through a sibling lock
// file.
type Lock struct {
	file billy.File
	mu   *sync.Mutex
}

// Acquire blocks until the exclusive lock on name is held. On filesystems
// backed by the OS the lock file is flock(2)ed, so separate processes
// sharing the directory are serialized too.
func Acquire(fs billy.Filesystem, name string) (*Lock, error) {
	key := fs.Join(fs.Root(), name)
	v, _ := processLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	lockName := name + LockSuffix
	if dir := path.Dir(lockName); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			mu.Unlock()
			return nil, fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	f, err := fs.OpenFile(lockName, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to open lock file %q: %w", lockName, err)
	}
	if err := f.Lock(); err != nil {
		_ = f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock %q: %w", lockName, err)
	}
	return &Lock{file: f, mu: mu}, nil
}

// Release drops the lock. It is safe to call once.
func (l *Lock) Release() error {
	defer l.mu.Unlock()
	uerr := l.file.Unlock()
	cerr := l.file.Close()
	if uerr != nil {
		return fmt.Errorf("failed to unlock %q: %w", l.file.Name(), uerr)
	}
	return cerr
}
