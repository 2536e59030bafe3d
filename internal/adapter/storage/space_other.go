//go:build !linux && !darwin

package storage

import (
	"context"

	"github.com/semmidev/dbvault/internal/domain"
)

func (l *LocalStorage) FreeSpace(ctx context.Context) (uint64, error) {
	return 0, domain.PermanentStorageError("free space reporting is not supported on this platform", nil)
}
