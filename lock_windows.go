//go:build windows

package colseg

import (
	"os"

	"golang.org/x/sys/windows"
)

// flockFile takes (or releases) an advisory exclusive lock on f, mirroring
// the teacher's lock_windows.go.
func flockFile(f *os.File, lock bool) error {
	h := windows.Handle(f.Fd())
	var ol windows.Overlapped
	if lock {
		return windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
	}
	return windows.UnlockFileEx(h, 0, 1, 0, &ol)
}
