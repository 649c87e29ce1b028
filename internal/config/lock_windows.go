//go:build windows

package config

import "golang.org/x/sys/windows"

// flockExclusive blocks until an exclusive lock on fd is held, mirroring
// internal/store/lock_windows.go's LockFileEx usage for the config
// read-modify-write path.
func flockExclusive(fd uintptr) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(fd),
		windows.LOCKFILE_EXCLUSIVE_LOCK,
		0,
		1,
		0,
		ol,
	)
}

func flockUnlock(fd uintptr) {
	ol := new(windows.Overlapped)
	windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, ol)
}
