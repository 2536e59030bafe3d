package usecase

import (
	"context"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

type StorageInfo struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Artifacts   int    `json:"artifacts" yaml:"artifacts"`
	TotalBytes  int64  `json:"total_bytes" yaml:"total_bytes"`
	FreeBytes   uint64 `json:"free_bytes,omitempty" yaml:"free_bytes,omitempty"`
	HasFree     bool   `json:"-" yaml:"-"`
	Uncataloged int    `json:"uncataloged" yaml:"uncataloged"`
}

// Inspector answers read-only questions about one target and removes artifacts on request.
type Inspector struct {
	probe   StorageProbe
	catalog Catalog
	logger  Logger
}

func NewInspector(probe StorageProbe, catalog Catalog, logger Logger) *Inspector {
	return &Inspector{probe: probe, catalog: catalog, logger: logger}
}

func (uc *Inspector) List(ctx context.Context) ([]domain.Artifact, error) {
	return uc.catalog.List(ctx)
}

func (uc *Inspector) Info(ctx context.Context) (StorageInfo, error) {
	s := uc.probe.Storage
	info := StorageInfo{Name: s.Name(), Type: uc.probe.Type}

	artifacts, err := uc.catalog.List(ctx)
	if err != nil {
		return info, err
	}
	info.Artifacts = len(artifacts)
	for _, a := range artifacts {
		info.TotalBytes += a.Size
	}

	orphans, err := uc.catalog.Uncataloged(ctx)
	if err != nil {
		return info, err
	}
	info.Uncataloged = len(orphans)

	if reporter, ok := s.(domain.SpaceReporter); ok {
		free, err := reporter.FreeSpace(ctx)
		if err != nil {
			uc.logger.Warnf("Could not read free space of %s: %v", s.Name(), err)
		} else {
			info.FreeBytes, info.HasFree = free, true
		}
	}
	return info, nil
}

// URL returns a time-limited download link for id.
func (uc *Inspector) URL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	s := uc.probe.Storage
	presigner, ok := s.(domain.Presigner)
	if !ok {
		return "", domain.PermanentStorageError("storage "+s.Name()+" ("+uc.probe.Type+") cannot create download URLs", nil)
	}
	if _, err := s.Stat(ctx, id); err != nil {
		return "", err
	}
	return presigner.PresignGet(ctx, id, ttl)
}

func (uc *Inspector) Delete(ctx context.Context, id string) error {
	if err := uc.catalog.Remove(ctx, id); err != nil {
		return err
	}
	uc.logger.Infof("Deleted %s from %s", id, uc.probe.Storage.Name())
	return nil
}
