//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until this process holds the advisory lock on the key's
// lock file. Other processes sharing the root wait on the same file.
func lockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
