package repository

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes an advisory exclusive flock on the repository's root
// directory, blocking until it is available. It guards the upload
// transaction's create-tmp-file-then-rename commit point against a
// second writer racing the same repository directory; readers (Load,
// Reload) do not need it, since a half-written ".tmp" file is never
// mistaken for a committed node.
//
// The returned Unlock releases the lock and must be called exactly
// once.
func (r *Repository) Lock() (unlock func() error, err error) {
	f, err := os.Open(r.dir)
	if err != nil {
		return nil, fmt.Errorf("repository: opening %s for locking: %w", r.dir, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("repository: locking %s: %w", r.dir, err)
	}
	return func() error {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			f.Close()
			return fmt.Errorf("repository: unlocking %s: %w", r.dir, err)
		}
		return f.Close()
	}, nil
}
