// Package safeio implements I/O helpers with additional durability
// guarantees, used by the spool's file backend to make sure a metadata
// write either lands completely or not at all.
package safeio

import (
	"os"
	"path/filepath"
	"syscall"
)

// WriteFile writes data to filename atomically: it writes to a temporary
// file in the same directory and renames it into place, so a crash never
// leaves a half-written spool entry behind. Rename within a directory is
// atomic on every filesystem we target.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmpf, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmpf.Name()

	if err := tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if uid, gid := ownerOf(filename); uid >= 0 {
		if err := tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpName)
			return err
		}
	}

	if _, err := tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmpf.Sync(); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmpf.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filename)
}

// ownerOf returns the uid/gid of an existing file, or (-1, -1) if it doesn't
// exist or the platform doesn't expose ownership. Used so a rewritten spool
// file keeps whatever ownership an administrator set up for the directory.
func ownerOf(fname string) (uid, gid int) {
	uid, gid = -1, -1
	stat, err := os.Stat(fname)
	if err != nil {
		return
	}
	if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
		uid = int(sysstat.Uid)
		gid = int(sysstat.Gid)
	}
	return
}
