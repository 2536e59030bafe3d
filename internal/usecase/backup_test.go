package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbvault/internal/domain"
)

func TestBackup(t *testing.T) {
	Convey("Given a backup use case", t, func() {
		ctx := context.Background()
		e := newEnv(t)
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		db := &fakeDB{name: "shop", typ: domain.Postgres, dump: []byte("PGDMP custom dump payload")}
		events := &recorder{}

		uc := NewBackup(db, e.storage, e.catalog, e.compressor, e.logger,
			fixedClock(at), WithNotifier(events), WithObserver(events))

		Convey("When every step succeeds", func() {
			artifact, err := uc.Execute(ctx)
			So(err, ShouldBeNil)

			Convey("It should store one cataloged artifact named after the database", func() {
				So(artifact.ID, ShouldEqual, "backup_postgres_shop_20240102_030405.gz")
				So(artifact.DatabaseType, ShouldEqual, domain.Postgres)
				So(artifact.DatabaseName, ShouldEqual, "shop")
				So(artifact.Compression, ShouldEqual, "gzip")
				So(artifact.CreatedAt.Equal(at), ShouldBeTrue)
				So(artifact.JobID, ShouldNotBeEmpty)

				got, err := e.catalog.Lookup(ctx, artifact.ID)
				So(err, ShouldBeNil)
				So(got.Checksum, ShouldEqual, artifact.Checksum)

				So(e.keys(ctx), ShouldResemble, []string{artifact.ID, artifact.ID + domain.ManifestSuffix})
			})

			Convey("Its checksum and size should describe the stored bytes", func() {
				stored, err := os.ReadFile(filepath.Join(e.dir, artifact.ID))
				So(err, ShouldBeNil)
				sum := sha256.Sum256(stored)
				So(artifact.Checksum, ShouldEqual, hex.EncodeToString(sum[:]))
				So(artifact.Size, ShouldEqual, int64(len(stored)))

				rc, err := e.compressor.Decompress(bytesReader(stored))
				So(err, ShouldBeNil)
				plain, err := io.ReadAll(rc)
				So(err, ShouldBeNil)
				So(string(plain), ShouldEqual, "PGDMP custom dump payload")
			})

			Convey("It should report one success to the notifier and the observer", func() {
				So(events.events, ShouldHaveLength, 2)
				So(events.events[0].Succeeded(), ShouldBeTrue)
				So(events.events[0].Artifact.ID, ShouldEqual, artifact.ID)
				So(events.events[0].Target, ShouldEqual, "local")
			})

			Convey("Running again in the same second is a conflict and dumps nothing", func() {
				_, err := uc.Execute(ctx)
				So(errors.Is(err, domain.ErrConflict), ShouldBeTrue)
				So(db.dumps, ShouldEqual, 1)
			})
		})

		Convey("When the final object exists without a catalog entry", func() {
			_, err := e.local.Put(ctx, "backup_postgres_shop_20240102_030405.gz", bytesReader([]byte("old")))
			So(err, ShouldBeNil)

			_, err = uc.Execute(ctx)

			Convey("It should refuse before dumping", func() {
				So(domain.IsType(err, domain.ErrorTypeConflict), ShouldBeTrue)
				So(db.dumps, ShouldEqual, 0)
			})
		})

		Convey("When the dump fails midway", func() {
			dumpErr := domain.DumpFailedError("pg_dump", 1, "pg_dump: error: connection lost", nil)
			db.dumpErr = dumpErr

			_, err := uc.Execute(ctx)

			Convey("It should return the dump error and leave nothing behind", func() {
				So(err, ShouldEqual, dumpErr)
				So(e.keys(ctx), ShouldBeEmpty)

				list, err := e.catalog.List(ctx)
				So(err, ShouldBeNil)
				So(list, ShouldBeEmpty)
			})

			Convey("It should report the failure", func() {
				So(events.events, ShouldHaveLength, 2)
				So(events.events[0].Err, ShouldEqual, dumpErr)
			})
		})

		Convey("When the dump tool cannot start", func() {
			db.openErr = domain.ToolNotFoundError("pg_dump", nil)

			_, err := uc.Execute(ctx)
			So(domain.IsType(err, domain.ErrorTypeToolNotFound), ShouldBeTrue)
			So(e.keys(ctx), ShouldBeEmpty)
		})

		Convey("When the upload fails", func() {
			e.storage.putErr = domain.TransientStorageError("s3 upload failed", nil)

			_, err := uc.Execute(ctx)

			Convey("It should return the storage error and remove the staging object", func() {
				So(err, ShouldEqual, e.storage.putErr)
				So(e.storage.deleted, ShouldHaveLength, 1)
				So(domain.IsTemporaryKey(e.storage.deleted[0]), ShouldBeTrue)
				So(e.keys(ctx), ShouldBeEmpty)
			})
		})

		Convey("When promotion loses a race", func() {
			e.storage.promoteErr = domain.ConflictError("artifact already exists")

			_, err := uc.Execute(ctx)

			Convey("It should remove only the staging object", func() {
				So(domain.IsType(err, domain.ErrorTypeConflict), ShouldBeTrue)
				So(e.storage.deleted, ShouldHaveLength, 1)
				So(domain.IsTemporaryKey(e.storage.deleted[0]), ShouldBeTrue)
				So(e.keys(ctx), ShouldBeEmpty)
			})
		})

		Convey("When the catalog append fails after promotion", func() {
			appendErr := domain.TransientStorageError("manifest upload failed", nil)
			uc := NewBackup(db, e.storage, &faultyCatalog{Catalog: e.catalog, appendErr: appendErr},
				e.compressor, e.logger, fixedClock(at))

			_, err := uc.Execute(ctx)

			Convey("It should delete the promoted object", func() {
				So(err, ShouldEqual, appendErr)
				So(e.storage.deleted, ShouldContain, "backup_postgres_shop_20240102_030405.gz")
				So(e.keys(ctx), ShouldBeEmpty)
			})
		})

		Convey("When the job is canceled during the dump", func() {
			db.blockDump = true
			cctx, cancel := context.WithCancel(ctx)
			time.AfterFunc(100*time.Millisecond, cancel)

			_, err := uc.Execute(cctx)

			Convey("It should fail with the cancellation and still clean up", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(domain.ExitCode(err), ShouldEqual, domain.ExitCanceled)
				So(e.storage.deleted, ShouldHaveLength, 1)
				So(e.keys(ctx), ShouldBeEmpty)
			})
		})

		Convey("When the job times out", func() {
			db.blockDump = true
			uc := NewBackup(db, e.storage, e.catalog, e.compressor, e.logger,
				fixedClock(at), WithTimeout(100*time.Millisecond))

			_, err := uc.Execute(ctx)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(e.keys(ctx), ShouldBeEmpty)
		})

		Convey("When the database name cannot form an identifier", func() {
			db.name = "shop prod"

			_, err := uc.Execute(ctx)
			So(domain.IsType(err, domain.ErrorTypeConfig), ShouldBeTrue)
			So(db.dumps, ShouldEqual, 0)
		})
	})
}

func TestFormatSize(t *testing.T) {
	Convey("FormatSize", t, func() {
		So(FormatSize(512), ShouldEqual, "512 B")
		So(FormatSize(1536), ShouldEqual, "1.50 KB")
		So(FormatSize(5*1024*1024), ShouldEqual, "5.00 MB")
		So(FormatSize(3*1024*1024*1024), ShouldEqual, "3.00 GB")
	})
}
