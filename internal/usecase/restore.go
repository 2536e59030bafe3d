package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

type RestoreOptions struct {
	// VerifyFirst spools the artifact to SpoolDir and checks it before the
	// restore tool sees any byte.
	VerifyFirst bool
	// AllowRawKeys restores storage keys that have no catalog entry, unverified.
	AllowRawKeys bool
	SpoolDir     string
}

type Restore struct {
	db         domain.Database
	storage    domain.Storage
	catalog    Catalog
	compressor domain.Compressor
	logger     Logger
	restore    RestoreOptions
	opts       options
}

func NewRestore(
	db domain.Database,
	storage domain.Storage,
	catalog Catalog,
	compressor domain.Compressor,
	logger Logger,
	restore RestoreOptions,
	opts ...Option,
) *Restore {
	return &Restore{
		db:         db,
		storage:    storage,
		catalog:    catalog,
		compressor: compressor,
		logger:     logger,
		restore:    restore,
		opts:       newOptions(opts),
	}
}

// Execute restores the artifact id into the database.
func (uc *Restore) Execute(ctx context.Context, id string) (domain.Artifact, error) {
	start := uc.opts.now()
	dbName := uc.db.Name()
	job := domain.NewJob(domain.JobRestore, dbName, uc.storage.Name())
	uc.logger.Infof("[%s] Starting restore of %s from %s...", dbName, id, uc.storage.Name())

	artifact, err := uc.run(ctx, job, id)
	elapsed := uc.opts.now().Sub(start)
	if err != nil {
		job.Fail(err)
		uc.logger.Errorf("[%s] Restore failed after %s: %v", dbName, elapsed.Round(time.Millisecond), err)
	} else {
		uc.logger.Infof("[%s] Restore completed in %s", dbName, elapsed.Round(time.Second))
	}

	uc.opts.report(ctx, uc.logger, domain.Event{
		Kind:     domain.JobRestore,
		Database: dbName,
		Target:   uc.storage.Name(),
		Artifact: artifact,
		Duration: elapsed,
		Err:      err,
	})
	return artifact, err
}

func (uc *Restore) run(ctx context.Context, job *domain.Job, id string) (domain.Artifact, error) {
	if err := job.Advance(domain.StateResolving); err != nil {
		return domain.Artifact{}, err
	}
	artifact, err := uc.resolve(ctx, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	if artifact.DatabaseType != "" && artifact.DatabaseType != uc.db.Type() {
		return artifact, domain.ConfigError("artifact %s holds a %s dump and cannot be restored into %s database %s",
			id, artifact.DatabaseType, uc.db.Type(), uc.db.Name())
	}

	jobCtx, cancel := uc.opts.jobContext(ctx)
	defer cancel()

	if err := job.Advance(domain.StateDownloading); err != nil {
		return artifact, err
	}
	rc, err := uc.storage.Get(jobCtx, id)
	if err != nil {
		return artifact, err
	}
	defer rc.Close()
	digest := newDigestReader(rc)

	if uc.restore.VerifyFirst && artifact.Checksum != "" {
		err = uc.spoolAndRestore(jobCtx, job, artifact, digest)
	} else {
		err = uc.streamRestore(jobCtx, job, artifact, digest)
	}
	if err != nil {
		return artifact, err
	}

	if err := job.Advance(domain.StateVerified); err != nil {
		return artifact, err
	}
	return artifact, nil
}

// resolve finds id in the catalog, or as a raw storage key when allowed.
func (uc *Restore) resolve(ctx context.Context, id string) (domain.Artifact, error) {
	artifact, err := uc.catalog.Lookup(ctx, id)
	if err == nil {
		return artifact, nil
	}
	if !domain.IsType(err, domain.ErrorTypeNotFound) || !uc.restore.AllowRawKeys {
		return domain.Artifact{}, err
	}

	info, statErr := uc.storage.Stat(ctx, id)
	if statErr != nil {
		if domain.IsType(statErr, domain.ErrorTypeNotFound) {
			return domain.Artifact{}, domain.NotFoundError("artifact %s not found in %s", id, uc.storage.Name())
		}
		return domain.Artifact{}, statErr
	}

	artifact = domain.Artifact{ID: id, Size: info.Size, CreatedAt: info.LastModified}
	if name, err := domain.ParseArtifactID(id); err == nil {
		artifact.DatabaseType = name.DatabaseType
		artifact.DatabaseName = name.DatabaseName
	}
	uc.logger.Warnf("[%s] %s is not cataloged; restoring it without checksum verification", uc.db.Name(), id)
	return artifact, nil
}

// spoolAndRestore downloads to a temporary file, verifies it and only then
// starts the restore tool.
func (uc *Restore) spoolAndRestore(ctx context.Context, job *domain.Job, artifact domain.Artifact, digest *digestReader) error {
	spool, err := os.CreateTemp(uc.restore.SpoolDir, "dbvault-restore-*"+uc.compressor.Extension())
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	uc.logger.Infof("[%s] Downloading %s (%s)...", uc.db.Name(), artifact.ID, FormatSize(artifact.Size))
	if _, err := io.Copy(spool, digest); err != nil {
		return err
	}
	if err := verify(artifact, digest); err != nil {
		return err
	}
	uc.logger.Debugf("[%s] Checksum of %s verified", uc.db.Name(), artifact.ID)

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}
	return uc.feed(ctx, job, spool)
}

// streamRestore pipes the download straight into the tool and verifies once
// the whole artifact went through.
func (uc *Restore) streamRestore(ctx context.Context, job *domain.Job, artifact domain.Artifact, digest *digestReader) error {
	if err := uc.feed(ctx, job, digest); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, digest); err != nil {
		return err
	}
	if artifact.Checksum == "" {
		return nil
	}
	if err := verify(artifact, digest); err != nil {
		uc.logger.Errorf("[%s] %s failed verification after it was applied to the database", uc.db.Name(), artifact.ID)
		return err
	}
	return nil
}

func (uc *Restore) feed(ctx context.Context, job *domain.Job, r io.Reader) error {
	if err := job.Advance(domain.StateRestoring); err != nil {
		return err
	}
	dec, err := uc.compressor.Decompress(r)
	if err != nil {
		return err
	}
	defer dec.Close()

	uc.logger.Infof("[%s] Restoring %s data...", uc.db.Name(), uc.db.Type())
	return uc.db.Restore(ctx, dec)
}

func verify(artifact domain.Artifact, digest *digestReader) error {
	got := digest.Sum()
	if got != artifact.Checksum || digest.n != artifact.Size {
		return domain.ChecksumMismatchError(artifact.ID, artifact.Checksum, fmt.Sprintf("%s (%d of %d bytes)", got, digest.n, artifact.Size))
	}
	return nil
}
