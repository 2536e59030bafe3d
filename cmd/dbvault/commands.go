package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/semmidev/dbvault/internal/app"
	"github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/logger"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(g.configPath, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", okMark(), g.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newTestCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check connectivity to every enabled database and storage target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				report := a.Test(cmd.Context())
				if err := render(cmd.OutOrStdout(), output, report, func(w tableWriter) { printReport(w, report) }); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newBackupCmd(g *globalFlags) *cobra.Command {
	var dbName, target, output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up one database, or every enabled one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				defer a.PushMetrics(cmd.Context())

				var (
					artifacts []domain.Artifact
					err       error
				)
				if dbName != "" {
					var artifact domain.Artifact
					if artifact, err = a.Backup(cmd.Context(), dbName, target); err == nil {
						artifacts = append(artifacts, artifact)
					}
				} else {
					artifacts, err = a.BackupAll(cmd.Context(), target)
				}

				if len(artifacts) > 0 {
					if rerr := render(cmd.OutOrStdout(), output, artifacts, func(w tableWriter) { printArtifacts(w, artifacts) }); rerr != nil {
						return rerr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&dbName, "database", "d", "", "database name (default: all enabled databases)")
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target (default: the database's target)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newRestoreCmd(g *globalFlags) *cobra.Command {
	var dbName, target string
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Restore an artifact into a configured database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				defer a.PushMetrics(cmd.Context())

				artifact, err := a.Restore(cmd.Context(), args[0], dbName, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Restored %s into %s (%s)\n",
					okMark(), artifact.ID, dbName, formatBytes(artifact.Size))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dbName, "database", "d", "", "database to restore into")
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target holding the artifact (default: first target)")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

func newListCmd(g *globalFlags) *cobra.Command {
	var target, output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cataloged backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				artifacts, err := a.List(cmd.Context(), target)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, artifacts, func(w tableWriter) { printArtifacts(w, artifacts) })
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target (default: first target)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	var (
		target string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an artifact and its catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return domain.ConfigError("refusing to delete %s without --yes", args[0])
			}
			return g.withApp(func(a *app.App) error {
				if err := a.Delete(cmd.Context(), args[0], target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", okMark(), args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target (default: first target)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

func newCleanupCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale uploads and apply the retention policy on every target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				res, err := a.Cleanup(cmd.Context())
				if rerr := render(cmd.OutOrStdout(), output, res, func(w tableWriter) { printCleanup(w, res) }); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	var target, output string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show usage of a storage target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				info, err := a.Info(cmd.Context(), target)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), output, info, func(w tableWriter) { printInfo(w, info) })
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target (default: first target)")
	addOutputFlag(cmd, &output)
	return cmd
}

func newURLCmd(g *globalFlags) *cobra.Command {
	var (
		target string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "url ID",
		Short: "Print a time-limited download URL for an artifact (S3 and GCS)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				url, err := a.URL(cmd.Context(), args[0], target, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "storage target (default: first target)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the URL stays valid")
	return cmd
}

func newDaemonCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled backups and cleanup until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(func(a *app.App) error {
				a.Logger().Infof("Starting %s daemon", a.Config().App.Name)
				return a.Run(cmd.Context())
			})
		},
	}
}

func newDriveAuthCmd(g *globalFlags) *cobra.Command {
	var target, addr string
	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Obtain a Google Drive refresh token for a gdrive target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			tc, err := cfg.Target(target)
			if err != nil {
				return err
			}
			if tc.Type != config.TargetGDrive {
				return domain.ConfigError("target %s is %s, not gdrive", tc.Name, tc.Type)
			}

			log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
			if err != nil {
				return err
			}
			defer log.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			auth, err := app.NewDriveAuth(tc.ClientSecretFile, ln, log)
			if err != nil {
				ln.Close()
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Open %s in a browser, or visit:\n\n  %s\n\n", auth.StartURL(), auth.AuthCodeURL())
			token, err := auth.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Refresh token for %s:\n\n  %s\n\nSet it as refresh_token of the target.\n",
				okMark(), tc.Name, token.RefreshToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "gdrive target (default: first target)")
	cmd.Flags().StringVar(&addr, "addr", "localhost:8085", "listen address for the OAuth callback")
	return cmd
}
