package storage

import (
	"context"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

// New builds the backend described by cfg. Remote backends retry transient
// failures with ro.
func New(ctx context.Context, cfg appconfig.TargetConfig, ro retry.Options) (domain.Storage, error) {
	var (
		s   domain.Storage
		err error
	)
	switch cfg.Type {
	case appconfig.TargetLocal:
		s, err = asStorage(NewLocal(cfg.Name, cfg.Path))
	case appconfig.TargetS3:
		s, err = asStorage(NewS3(ctx, cfg, ro))
	case appconfig.TargetGCS:
		s, err = asStorage(NewGCS(ctx, cfg, ro))
	case appconfig.TargetAzure:
		s, err = asStorage(NewAzure(cfg, ro))
	case appconfig.TargetGDrive:
		s, err = asStorage(NewGDrive(ctx, cfg, ro))
	default:
		return nil, domain.ConfigError("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// asStorage keeps a failed constructor's nil pointer out of the interface.
func asStorage[T domain.Storage](s T, err error) (domain.Storage, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
