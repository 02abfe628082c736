// Package vaultio provides small filesystem helpers used by the vault
// package's persistence and local-file fetch path: syncing a file and its containing
// directory after a rename, so persistence writes are atomic against a
// crash, not merely atomic against a concurrent reader.
package vaultio

import (
	"os"

	"golang.org/x/sys/unix"
)

// SyncFile fsyncs an already-open file. Errors are returned, not swallowed:
// callers decide whether a sync failure should fail the write.
func SyncFile(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}

// SyncPath opens path (file or directory) read-only and fsyncs it. Used to
// flush a directory entry after renaming a temp file over its target, the
// step most implementations skip and that leaves the rename itself
// unreplayable after a crash on some filesystems.
func SyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}

// Accessible reports whether path exists and is at least readable by the
// current process, using access(2) rather than stat so it also reflects
// permission bits, not just existence.
func Accessible(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}
