//go:build linux || darwin

package storage

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/semmidev/dbvault/internal/domain"
)

// FreeSpace reports the bytes available to unprivileged users on the backup filesystem.
func (l *LocalStorage) FreeSpace(ctx context.Context) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(l.basePath, &st); err != nil {
		return 0, domain.PermanentStorageError("failed to stat filesystem of "+l.basePath, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
