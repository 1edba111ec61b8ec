//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pagefile

import "os"

// flockExclusive is a no-op placeholder on platforms without a simple
// advisory-lock syscall wired up (e.g. windows); opening the same data
// file from two processes on those platforms is not guarded against.
func flockExclusive(f *os.File) error { return nil }

func flockRelease(f *os.File) error { return nil }
