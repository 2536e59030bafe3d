package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

// CleanupTarget pairs a backend with its catalog.
type CleanupTarget struct {
	Storage domain.Storage
	Catalog Catalog
}

type CleanupPolicy struct {
	// StagingGrace protects in-flight uploads from being swept.
	StagingGrace time.Duration
	// RetentionDays of 0 keeps artifacts forever.
	RetentionDays int
	// KeepMin newest artifacts per database survive retention.
	KeepMin int
}

type CleanupResult struct {
	StagingRemoved   int      `json:"staging_removed" yaml:"staging_removed"`
	ArtifactsRemoved []string `json:"artifacts_removed" yaml:"artifacts_removed"`
	Uncataloged      []string `json:"uncataloged" yaml:"uncataloged"`
}

type Cleanup struct {
	targets []CleanupTarget
	logger  Logger
	policy  CleanupPolicy
	now     func() time.Time
}

func NewCleanup(
	targets []CleanupTarget,
	logger Logger,
	policy CleanupPolicy,
	opts ...Option,
) *Cleanup {
	return &Cleanup{
		targets: targets,
		logger:  logger,
		policy:  policy,
		now:     newOptions(opts).now,
	}
}

// Execute sweeps every target concurrently. Failures on one target do not stop the others.
func (uc *Cleanup) Execute(ctx context.Context) (CleanupResult, error) {
	if uc.policy.RetentionDays > 0 {
		uc.logger.Infof("Starting cleanup, retention: %d days, keeping at least %d per database",
			uc.policy.RetentionDays, uc.policy.KeepMin)
	} else {
		uc.logger.Infof("Starting cleanup, retention disabled")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		total  CleanupResult
		errs   []error
		cutoff = uc.now()
	)

	for _, target := range uc.targets {
		wg.Add(1)
		go func(t CleanupTarget) {
			defer wg.Done()

			res, err := uc.cleanupTarget(ctx, t, cutoff)

			mu.Lock()
			defer mu.Unlock()
			total.StagingRemoved += res.StagingRemoved
			total.ArtifactsRemoved = append(total.ArtifactsRemoved, res.ArtifactsRemoved...)
			total.Uncataloged = append(total.Uncataloged, res.Uncataloged...)
			if err != nil {
				uc.logger.Errorf("Cleanup failed for %s: %v", t.Storage.Name(), err)
				errs = append(errs, fmt.Errorf("%s: %w", t.Storage.Name(), err))
			}
		}(target)
	}
	wg.Wait()

	uc.logger.Infof("Cleanup completed: %d staging object(s) and %d artifact(s) removed",
		total.StagingRemoved, len(total.ArtifactsRemoved))
	return total, errors.Join(errs...)
}

func (uc *Cleanup) cleanupTarget(ctx context.Context, target CleanupTarget, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	name := target.Storage.Name()

	objects, err := target.Storage.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list objects: %w", err)
	}

	var errs []error
	staleBefore := now.Add(-uc.policy.StagingGrace)
	for _, obj := range objects {
		if !domain.IsTemporaryKey(obj.Key) || !obj.LastModified.Before(staleBefore) {
			continue
		}
		uc.logger.Infof("Deleting stale upload from %s: %s", name, obj.Key)
		if err := target.Storage.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		res.StagingRemoved++
	}

	orphans, err := target.Catalog.Uncataloged(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, obj := range orphans {
		uc.logger.Warnf("Uncataloged object in %s: %s (%s)", name, obj.Key, FormatSize(obj.Size))
		res.Uncataloged = append(res.Uncataloged, obj.Key)
	}

	if uc.policy.RetentionDays > 0 {
		removed, err := uc.applyRetention(ctx, target, now)
		res.ArtifactsRemoved = removed
		if err != nil {
			errs = append(errs, err)
		}
	}

	return res, errors.Join(errs...)
}

// applyRetention removes artifacts older than the cutoff, except the KeepMin
// newest of each database.
func (uc *Cleanup) applyRetention(ctx context.Context, target CleanupTarget, now time.Time) ([]string, error) {
	artifacts, err := target.Catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	cutoff := now.AddDate(0, 0, -uc.policy.RetentionDays)
	kept := make(map[string]int)

	var (
		removed []string
		errs    []error
	)
	// Catalog lists newest first.
	for _, a := range artifacts {
		key := string(a.DatabaseType) + "/" + a.DatabaseName
		if kept[key] < uc.policy.KeepMin || !a.CreatedAt.Before(cutoff) {
			kept[key]++
			continue
		}

		uc.logger.Infof("Deleting old backup from %s: %s", target.Storage.Name(), a.ID)
		if err := target.Catalog.Remove(ctx, a.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, a.ID)
	}
	return removed, errors.Join(errs...)
}
