package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/usecase"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

type tableWriter = *tabwriter.Writer

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

func okMark() string   { return green("✓") }
func failMark() string { return red("✗") }

func addOutputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", formatTable, "output format: table, json or yaml")
}

// render writes v as JSON or YAML, or hands a tab writer to table.
func render(w io.Writer, format string, v any, table func(tableWriter)) error {
	switch format {
	case "", formatTable:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return domain.ConfigError("unknown output format %q (want table, json or yaml)", format)
	}
}

func formatBytes(n int64) string {
	return usecase.FormatSize(n)
}

func printArtifacts(w tableWriter, artifacts []domain.Artifact) {
	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No backups found")
		return
	}
	fmt.Fprintln(w, "ID\tDATABASE\tTYPE\tSIZE\tCREATED\tSHA256")
	for _, a := range artifacts {
		sum := a.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.DatabaseName, a.DatabaseType, formatBytes(a.Size),
			a.CreatedAt.UTC().Format(time.RFC3339), sum)
	}
}

func printReport(w tableWriter, report usecase.Report) {
	for _, r := range report.Results {
		mark, detail := okMark(), ""
		if r.SizeBytes > 0 {
			detail = formatBytes(r.SizeBytes)
		}
		if !r.Passed {
			mark, detail = failMark(), r.Detail
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n",
			mark, r.Name, r.Kind, r.Type, faint(r.Duration.Round(time.Millisecond)), detail)
	}
}

func printCleanup(w tableWriter, res usecase.CleanupResult) {
	fmt.Fprintf(w, "Stale uploads removed:\t%d\n", res.StagingRemoved)
	fmt.Fprintf(w, "Expired artifacts removed:\t%d\n", len(res.ArtifactsRemoved))
	for _, id := range res.ArtifactsRemoved {
		fmt.Fprintf(w, "  %s\n", id)
	}
	if len(res.Uncataloged) > 0 {
		fmt.Fprintf(w, "Uncataloged objects (left in place):\t%d\n", len(res.Uncataloged))
		for _, key := range res.Uncataloged {
			fmt.Fprintf(w, "  %s\n", key)
		}
	}
}

func printInfo(w tableWriter, info usecase.StorageInfo) {
	fmt.Fprintf(w, "Target:\t%s (%s)\n", info.Name, info.Type)
	fmt.Fprintf(w, "Artifacts:\t%d\n", info.Artifacts)
	fmt.Fprintf(w, "Total size:\t%s\n", formatBytes(info.TotalBytes))
	if info.HasFree {
		fmt.Fprintf(w, "Free space:\t%s\n", formatBytes(int64(info.FreeBytes)))
	}
	if info.Uncataloged > 0 {
		fmt.Fprintf(w, "Uncataloged:\t%d\n", info.Uncataloged)
	}
}
