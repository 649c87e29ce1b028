//go:build unix

package config

import "syscall"

// flockExclusive blocks until an exclusive lock on f is held, mirroring
// internal/store/lock_unix.go's platform split for the same underlying
// mechanism (flock), applied here to the config read-modify-write path
// instead of the store's write path.
func flockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

func flockUnlock(fd uintptr) {
	syscall.Flock(int(fd), syscall.LOCK_UN)
}
