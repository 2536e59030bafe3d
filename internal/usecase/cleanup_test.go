package usecase

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbvault/internal/domain"
)

func TestCleanup(t *testing.T) {
	Convey("Given a target with stale uploads, orphans and old artifacts", t, func() {
		ctx := context.Background()
		e := newEnv(t)
		now := time.Now().UTC().Truncate(time.Second)

		put := func(key string, mtime time.Time) {
			_, err := e.local.Put(ctx, key, strings.NewReader(key))
			So(err, ShouldBeNil)
			So(os.Chtimes(filepath.Join(e.dir, key), mtime, mtime), ShouldBeNil)
		}
		catalogued := func(dbType domain.DatabaseType, name string, age time.Duration) string {
			created := now.Add(-age)
			id, err := domain.NewArtifactID(dbType, name, created, ".gz")
			So(err, ShouldBeNil)
			put(id, created)
			So(e.catalog.Append(ctx, domain.Artifact{
				ID: id, DatabaseType: dbType, DatabaseName: name, Size: int64(len(id)), CreatedAt: created,
			}), ShouldBeNil)
			return id
		}

		day := 24 * time.Hour
		stale := domain.StagingKey("backup_postgres_shop_20240101_000000.gz")
		fresh := domain.StagingKey("backup_postgres_shop_20240101_000001.gz")
		put(stale, now.Add(-2*time.Hour))
		put(fresh, now.Add(-time.Minute))
		put("backup_postgres_shop_20200101_000000.gz.tmp", now.Add(-3*time.Hour))

		orphan := "backup_mysql_crm_20200101_000000.gz"
		put(orphan, now.Add(-400*day))

		shopOld := catalogued(domain.Postgres, "shop", 10*day)
		shopMid := catalogued(domain.Postgres, "shop", 9*day)
		shopNew := catalogued(domain.Postgres, "shop", day)
		lonely := catalogued(domain.Mongo, "events", 30*day)

		policy := CleanupPolicy{StagingGrace: time.Hour}
		run := func(p CleanupPolicy) CleanupResult {
			res, err := NewCleanup([]CleanupTarget{{Storage: e.storage, Catalog: e.catalog}}, e.logger, p,
				fixedClock(now)).Execute(ctx)
			So(err, ShouldBeNil)
			return res
		}

		Convey("Without retention only stale temporary objects go", func() {
			res := run(policy)

			So(res.StagingRemoved, ShouldEqual, 2)
			So(res.ArtifactsRemoved, ShouldBeEmpty)
			So(res.Uncataloged, ShouldResemble, []string{orphan})

			keys := e.keys(ctx)
			So(keys, ShouldContain, fresh)
			So(keys, ShouldNotContain, stale)
			So(keys, ShouldContain, orphan)
			So(keys, ShouldContain, shopOld)
		})

		Convey("With retention old artifacts go, keeping the newest per database", func() {
			policy.RetentionDays = 5
			policy.KeepMin = 1
			res := run(policy)

			So(res.ArtifactsRemoved, ShouldHaveLength, 2)
			So(res.ArtifactsRemoved, ShouldContain, shopOld)
			So(res.ArtifactsRemoved, ShouldContain, shopMid)

			list, err := e.catalog.List(ctx)
			So(err, ShouldBeNil)
			So(list, ShouldHaveLength, 2)
			So(list[0].ID, ShouldEqual, shopNew)
			So(list[1].ID, ShouldEqual, lonely)

			keys := e.keys(ctx)
			So(keys, ShouldNotContain, shopOld)
			So(keys, ShouldNotContain, shopOld+domain.ManifestSuffix)
			So(keys, ShouldContain, orphan)
		})

		Convey("With keep_min 0 every expired artifact goes", func() {
			policy.RetentionDays = 5
			res := run(policy)

			So(res.ArtifactsRemoved, ShouldHaveLength, 3)
			So(res.ArtifactsRemoved, ShouldContain, lonely)
		})
	})
}
