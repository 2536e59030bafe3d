package main

import (
	"github.com/spf13/cobra"

	"github.com/semmidev/dbvault/internal/app"
	"github.com/semmidev/dbvault/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "dbvault",
		Short: "Back up and restore PostgreSQL, MongoDB and MySQL databases",
		Long: `dbvault dumps databases with their native tools, compresses the stream with gzip
and stores it on a local directory, S3, Google Cloud Storage, Azure Blob Storage
or Google Drive. Every artifact is cataloged with its checksum so restores can be
verified before they touch the database.

Examples:
  # Write a starter configuration
  dbvault init

  # Check connectivity to every database and storage target
  dbvault test

  # Back up one database to a named target
  dbvault backup --database shop --target s3

  # Restore an artifact listed by "dbvault list"
  dbvault restore backup_postgres_shop_20240102_030405.gz --database shop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath, "path to config file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "dotenv file loaded before the config (default .env when present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override app.log_level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(g),
		newTestCmd(g),
		newBackupCmd(g),
		newRestoreCmd(g),
		newListCmd(g),
		newDeleteCmd(g),
		newCleanupCmd(g),
		newInfoCmd(g),
		newURLCmd(g),
		newDaemonCmd(g),
		newDriveAuthCmd(g),
	)
	return root
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(g.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.App.LogLevel = g.logLevel
	}
	return cfg, nil
}

// withApp builds the application, runs fn and releases storage clients and the logger.
func (g *globalFlags) withApp(fn func(a *app.App) error) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Shutdown()
	return fn(a)
}
