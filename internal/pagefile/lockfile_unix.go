//go:build linux || darwin || freebsd || netbsd || openbsd

package pagefile

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive takes an advisory, non-blocking exclusive lock on f so
// a second process cannot open the same data file concurrently.
func flockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
