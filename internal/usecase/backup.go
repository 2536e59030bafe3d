package usecase

import (
	"context"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

type Backup struct {
	db         domain.Database
	storage    domain.Storage
	catalog    Catalog
	compressor domain.Compressor
	logger     Logger
	opts       options
}

func NewBackup(
	db domain.Database,
	storage domain.Storage,
	catalog Catalog,
	compressor domain.Compressor,
	logger Logger,
	opts ...Option,
) *Backup {
	return &Backup{
		db:         db,
		storage:    storage,
		catalog:    catalog,
		compressor: compressor,
		logger:     logger,
		opts:       newOptions(opts),
	}
}

// Execute dumps the database, compresses the stream and stores it as one new
// artifact. Nothing is cataloged unless every step succeeded.
func (uc *Backup) Execute(ctx context.Context) (domain.Artifact, error) {
	start := uc.opts.now()
	dbName := uc.db.Name()
	job := domain.NewJob(domain.JobBackup, dbName, uc.storage.Name())
	uc.logger.Infof("[%s] Starting backup to %s...", dbName, uc.storage.Name())

	artifact, err := uc.run(ctx, job, start)
	elapsed := uc.opts.now().Sub(start)
	if err != nil {
		job.Fail(err)
		uc.logger.Errorf("[%s] Backup failed after %s: %v", dbName, elapsed.Round(time.Millisecond), err)
	} else {
		uc.logger.Infof("[%s] Backup completed in %s: %s (%s)",
			dbName, elapsed.Round(time.Second), artifact.ID, FormatSize(artifact.Size))
	}

	uc.opts.report(ctx, uc.logger, domain.Event{
		Kind:     domain.JobBackup,
		Database: dbName,
		Target:   uc.storage.Name(),
		Artifact: artifact,
		Duration: elapsed,
		Err:      err,
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	return artifact, nil
}

func (uc *Backup) run(ctx context.Context, job *domain.Job, start time.Time) (domain.Artifact, error) {
	dbName := uc.db.Name()

	id, err := domain.NewArtifactID(uc.db.Type(), dbName, start, uc.compressor.Extension())
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := uc.ensureNew(ctx, id); err != nil {
		return domain.Artifact{}, err
	}

	jobCtx, cancel := uc.opts.jobContext(ctx)
	defer cancel()

	if err := job.Advance(domain.StateDumping); err != nil {
		return domain.Artifact{}, err
	}
	uc.logger.Debugf("[%s] Starting %s dump", dbName, uc.db.Type())
	dump, err := uc.db.Dump(jobCtx)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer dump.Close()

	if err := job.Advance(domain.StateCompressing); err != nil {
		return domain.Artifact{}, err
	}
	compressed := uc.compressor.Compress(dump)
	defer compressed.Close()

	if err := job.Advance(domain.StateUploading); err != nil {
		return domain.Artifact{}, err
	}
	staging := domain.StagingKey(id)
	digest := newDigestReader(compressed)

	uc.logger.Infof("[%s] Uploading to %s...", dbName, uc.storage.Name())
	if _, err := uc.storage.Put(jobCtx, staging, digest); err != nil {
		// Stop the dump before removing what it produced.
		cancel()
		_ = compressed.Close()
		uc.discard(dbName, staging)
		return domain.Artifact{}, err
	}
	uc.logger.Infof("[%s] Upload finished, size: %s", dbName, FormatSize(digest.n))

	loc, err := uc.storage.Promote(jobCtx, staging, id)
	if err != nil {
		uc.discard(dbName, staging)
		return domain.Artifact{}, err
	}

	artifact := domain.Artifact{
		ID:           id,
		DatabaseType: uc.db.Type(),
		DatabaseName: dbName,
		Size:         digest.n,
		Checksum:     digest.Sum(),
		Compression:  uc.compressor.Algorithm(),
		Location:     loc,
		CreatedAt:    start.UTC(),
		JobID:        job.ID,
	}
	if err := uc.catalog.Append(jobCtx, artifact); err != nil {
		uc.discard(dbName, id)
		return domain.Artifact{}, err
	}

	if err := job.Advance(domain.StateCataloged); err != nil {
		return domain.Artifact{}, err
	}
	return artifact, nil
}

// ensureNew rejects an identifier that is cataloged or already stored.
func (uc *Backup) ensureNew(ctx context.Context, id string) error {
	exists, err := uc.catalog.Exists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return domain.ConflictError("artifact %s is already cataloged in %s", id, uc.storage.Name())
	}

	_, err = uc.storage.Stat(ctx, id)
	switch {
	case err == nil:
		return domain.ConflictError("artifact %s already exists in %s", id, uc.storage.Name())
	case domain.IsType(err, domain.ErrorTypeNotFound):
		return nil
	default:
		return err
	}
}

// discard removes a leftover object with its own context so that it also runs
// after the job was canceled.
func (uc *Backup) discard(dbName, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := uc.storage.Delete(ctx, key); err != nil {
		uc.logger.Warnf("[%s] Failed to remove %s from %s: %v", dbName, key, uc.storage.Name(), err)
	}
}
