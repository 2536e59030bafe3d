package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbvault/internal/domain"
)

type presigningStorage struct {
	domain.Storage
}

func (p presigningStorage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key + "?ttl=" + ttl.String(), nil
}

func TestInspector(t *testing.T) {
	Convey("Given a target holding two artifacts", t, func() {
		ctx := context.Background()
		e := newEnv(t)
		db := &fakeDB{name: "shop", typ: domain.Postgres, dump: []byte("PGDMP rows")}

		first, err := NewBackup(db, e.storage, e.catalog, e.compressor, e.logger,
			fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))).Execute(ctx)
		So(err, ShouldBeNil)
		second, err := NewBackup(db, e.storage, e.catalog, e.compressor, e.logger,
			fixedClock(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))).Execute(ctx)
		So(err, ShouldBeNil)

		_, err = e.local.Put(ctx, "backup_postgres_shop_20230101_000000.gz", strings.NewReader("orphan"))
		So(err, ShouldBeNil)

		inspector := NewInspector(StorageProbe{Type: "local", Storage: e.local}, e.catalog, e.logger)

		Convey("List returns them newest first", func() {
			list, err := inspector.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)
			So(list[0].ID, ShouldEqual, second.ID)
			So(list[1].ID, ShouldEqual, first.ID)
		})

		Convey("Info sums sizes and reports free space", func() {
			info, err := inspector.Info(ctx)
			So(err, ShouldBeNil)
			So(info.Name, ShouldEqual, "local")
			So(info.Type, ShouldEqual, "local")
			So(info.Artifacts, ShouldEqual, 2)
			So(info.TotalBytes, ShouldEqual, first.Size+second.Size)
			So(info.Uncataloged, ShouldEqual, 1)
			So(info.HasFree, ShouldBeTrue)
		})

		Convey("URL is unsupported on local storage", func() {
			_, err := inspector.URL(ctx, first.ID, time.Hour)
			So(domain.IsType(err, domain.ErrorTypePermanentStorage), ShouldBeTrue)
		})

		Convey("URL presigns existing keys on capable storage", func() {
			presigner := NewInspector(StorageProbe{Type: "s3", Storage: presigningStorage{e.local}}, e.catalog, e.logger)

			url, err := presigner.URL(ctx, first.ID, time.Hour)
			So(err, ShouldBeNil)
			So(url, ShouldEqual, "https://example.test/"+first.ID+"?ttl=1h0m0s")

			_, err = presigner.URL(ctx, "backup_postgres_shop_19990101_000000.gz", time.Hour)
			So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
		})

		Convey("Delete removes an artifact and its entry", func() {
			So(inspector.Delete(ctx, first.ID), ShouldBeNil)

			list, err := inspector.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 1)
			So(e.keys(ctx), ShouldNotContain, first.ID)

			So(errors.Is(inspector.Delete(ctx, first.ID), domain.ErrNotFound), ShouldBeTrue)
		})
	})
}
