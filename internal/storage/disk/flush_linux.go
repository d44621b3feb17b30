//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func flushFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Fdatasync(int(f.Fd()))
}

// flushDir makes a completed rename inside dir durable.
func flushDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
