package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v3"

	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/usecase"
)

func TestRender(t *testing.T) {
	color.NoColor = true

	Convey("Given a list of artifacts", t, func() {
		artifacts := []domain.Artifact{{
			ID:           "backup_postgres_shop_20240102_030405.gz",
			DatabaseType: domain.Postgres,
			DatabaseName: "shop",
			Size:         1536,
			Checksum:     "0123456789abcdef0123",
			CreatedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}}
		var buf bytes.Buffer
		table := func(w tableWriter) { printArtifacts(w, artifacts) }

		Convey("The table shows a short checksum and a readable size", func() {
			So(render(&buf, "", artifacts, table), ShouldBeNil)
			out := buf.String()
			So(out, ShouldContainSubstring, "ID")
			So(out, ShouldContainSubstring, "1.50 KB")
			So(out, ShouldContainSubstring, "0123456789ab\n")
			So(out, ShouldContainSubstring, "2024-01-02T03:04:05Z")
		})

		Convey("JSON keeps the manifest field names", func() {
			So(render(&buf, formatJSON, artifacts, table), ShouldBeNil)
			var got []map[string]any
			So(json.Unmarshal(buf.Bytes(), &got), ShouldBeNil)
			So(got[0]["checksum_sha256"], ShouldEqual, "0123456789abcdef0123")
		})

		Convey("YAML uses the same names", func() {
			So(render(&buf, formatYAML, artifacts, table), ShouldBeNil)
			var got []map[string]any
			So(yaml.Unmarshal(buf.Bytes(), &got), ShouldBeNil)
			So(got[0]["database_name"], ShouldEqual, "shop")
		})

		Convey("Unknown formats are config errors", func() {
			err := render(&buf, "xml", artifacts, table)
			So(domain.ExitCode(err), ShouldEqual, domain.ExitGeneral)
		})

		Convey("An empty list says so", func() {
			So(render(&buf, formatTable, nil, func(w tableWriter) { printArtifacts(w, nil) }), ShouldBeNil)
			So(buf.String(), ShouldEqual, "No backups found\n")
		})
	})

	Convey("Given a test report", t, func() {
		report := usecase.Report{Results: []usecase.Result{
			{Name: "shop", Kind: usecase.KindDatabase, Type: "postgres", Passed: true, SizeBytes: 2048},
			{Name: "s3", Kind: usecase.KindStorage, Type: "s3", Detail: "access denied"},
		}}
		var buf bytes.Buffer
		So(render(&buf, formatTable, report, func(w tableWriter) { printReport(w, report) }), ShouldBeNil)

		out := buf.String()
		So(out, ShouldContainSubstring, "✓")
		So(out, ShouldContainSubstring, "2.00 KB")
		So(out, ShouldContainSubstring, "✗")
		So(out, ShouldContainSubstring, "access denied")
	})
}

func TestCommands(t *testing.T) {
	Convey("init writes a config that the other commands can load", t, func() {
		path := filepath.Join(t.TempDir(), "config.yaml")

		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"init", "--config", path})
		So(root.Execute(), ShouldBeNil)
		So(out.String(), ShouldContainSubstring, path)

		Convey("A second init without --force is a conflict", func() {
			root := newRootCmd()
			root.SetOut(&out)
			root.SetArgs([]string{"init", "--config", path})
			So(domain.ExitCode(root.Execute()), ShouldEqual, domain.ExitStorage)
		})
	})

	Convey("delete requires confirmation", t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"delete", "backup_postgres_shop_20240102_030405.gz"})
		err := root.Execute()
		So(domain.IsType(err, domain.ErrorTypeConfig), ShouldBeTrue)
	})

	Convey("restore requires a database", t, func() {
		root := newRootCmd()
		root.SetArgs([]string{"restore", "backup_postgres_shop_20240102_030405.gz"})
		So(root.Execute(), ShouldNotBeNil)
	})
}
