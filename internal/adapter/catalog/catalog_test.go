package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbvault/internal/adapter/storage"
	"github.com/semmidev/dbvault/internal/domain"
)

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{}) {}

func artifact(name string, at time.Time) domain.Artifact {
	id, _ := domain.NewArtifactID(domain.Postgres, name, at, ".gz")
	return domain.Artifact{
		ID:           id,
		DatabaseType: domain.Postgres,
		DatabaseName: name,
		Size:         42,
		Checksum:     strings.Repeat("ab", 32),
		Compression:  "gzip",
		Location:     domain.Location{Kind: domain.LocationLocal, Key: id},
		CreatedAt:    at.UTC(),
	}
}

func TestCatalog(t *testing.T) {
	Convey("Given a catalog over local storage", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		backend, err := storage.NewLocal("local", dir)
		So(err, ShouldBeNil)
		cat := New(backend, nopLogger{})

		base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

		Convey("Append then Lookup returns the same artifact", func() {
			a := artifact("shop", base)
			So(cat.Append(ctx, a), ShouldBeNil)

			got, err := cat.Lookup(ctx, a.ID)
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, a.ID)
			So(got.Checksum, ShouldEqual, a.Checksum)
			So(got.CreatedAt.Equal(a.CreatedAt), ShouldBeTrue)

			exists, err := cat.Exists(ctx, a.ID)
			So(err, ShouldBeNil)
			So(exists, ShouldBeTrue)

			_, err = os.Stat(filepath.Join(dir, a.ID+domain.ManifestSuffix))
			So(err, ShouldBeNil)
		})

		Convey("Appending the same id twice is a conflict", func() {
			a := artifact("shop", base)
			So(cat.Append(ctx, a), ShouldBeNil)

			err := cat.Append(ctx, a)
			So(errors.Is(err, domain.ErrConflict), ShouldBeTrue)
		})

		Convey("Concurrent appends of one id let exactly one through", func() {
			a := artifact("shop", base)

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- cat.Append(ctx, a)
				}()
			}
			wg.Wait()
			close(errs)

			succeeded, conflicts := 0, 0
			for err := range errs {
				switch {
				case err == nil:
					succeeded++
				case domain.IsType(err, domain.ErrorTypeConflict):
					conflicts++
				}
			}
			So(succeeded, ShouldEqual, 1)
			So(conflicts, ShouldEqual, 7)
		})

		Convey("Lookup of an unknown id is NotFound", func() {
			_, err := cat.Lookup(ctx, "backup_postgres_none_20240102_030405.gz")
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)

			exists, err := cat.Exists(ctx, "backup_postgres_none_20240102_030405.gz")
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)
		})

		Convey("List returns manifests newest first", func() {
			older := artifact("shop", base)
			newer := artifact("shop", base.Add(time.Hour))
			tieA := artifact("alpha", base.Add(30*time.Minute))
			tieB := artifact("beta", base.Add(30*time.Minute))
			for _, a := range []domain.Artifact{older, tieA, newer, tieB} {
				So(cat.Append(ctx, a), ShouldBeNil)
			}
			_, err := backend.Put(ctx, "notes.txt", strings.NewReader("not a manifest"))
			So(err, ShouldBeNil)

			list, err := cat.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 4)
			So(list[0].ID, ShouldEqual, newer.ID)
			So(list[1].ID, ShouldEqual, tieB.ID)
			So(list[2].ID, ShouldEqual, tieA.ID)
			So(list[3].ID, ShouldEqual, older.ID)
		})

		Convey("List skips corrupt manifests", func() {
			a := artifact("shop", base)
			So(cat.Append(ctx, a), ShouldBeNil)
			_, err := backend.Put(ctx, "backup_postgres_bad_20240102_030405.gz"+domain.ManifestSuffix, strings.NewReader("{"))
			So(err, ShouldBeNil)

			list, err := cat.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(list[0].ID, ShouldEqual, a.ID)
		})

		Convey("An empty catalog lists nothing", func() {
			list, err := cat.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldBeEmpty)
		})

		Convey("Remove deletes both the manifest and the bytes", func() {
			a := artifact("shop", base)
			_, err := backend.Put(ctx, a.ID, strings.NewReader("bytes"))
			So(err, ShouldBeNil)
			So(cat.Append(ctx, a), ShouldBeNil)

			So(cat.Remove(ctx, a.ID), ShouldBeNil)

			_, err = cat.Lookup(ctx, a.ID)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
			_, err = backend.Stat(ctx, a.ID)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)

			Convey("Removing it again is NotFound", func() {
				So(errors.Is(cat.Remove(ctx, a.ID), domain.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("Uncataloged reports final objects without a manifest", func() {
			cataloged := artifact("shop", base)
			orphan := artifact("shop", base.Add(time.Minute))
			for _, a := range []domain.Artifact{cataloged, orphan} {
				_, err := backend.Put(ctx, a.ID, strings.NewReader("bytes"))
				So(err, ShouldBeNil)
			}
			So(cat.Append(ctx, cataloged), ShouldBeNil)
			_, err := backend.Put(ctx, domain.StagingKey(orphan.ID), strings.NewReader("partial"))
			So(err, ShouldBeNil)

			orphans, err := cat.Uncataloged(ctx)
			So(err, ShouldBeNil)
			So(orphans, ShouldHaveLength, 1)
			So(orphans[0].Key, ShouldEqual, orphan.ID)

			Convey("and Remove deletes such an object", func() {
				So(cat.Remove(ctx, orphan.ID), ShouldBeNil)
				orphans, err := cat.Uncataloged(ctx)
				So(err, ShouldBeNil)
				So(orphans, ShouldBeEmpty)
			})
		})

		Convey("A manifest naming another artifact is rejected", func() {
			a := artifact("shop", base)
			other := fmt.Sprintf(`{"id":%q}`, "backup_postgres_other_20240102_030405.gz")
			_, err := backend.Put(ctx, domain.ManifestKey(a.ID), strings.NewReader(other))
			So(err, ShouldBeNil)

			_, err = cat.Lookup(ctx, a.ID)
			So(err, ShouldNotBeNil)
		})
	})
}
