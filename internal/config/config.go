package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Databases     []DatabaseConfig    `mapstructure:"databases"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type AppConfig struct {
	Name           string `mapstructure:"name"`
	LogLevel       string `mapstructure:"log_level"`
	LogFile        string `mapstructure:"log_file"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
}

type DatabaseConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	// Target names the storage target scheduled backups go to. Empty means the first target.
	Target string `mapstructure:"target"`

	// PostgreSQL specific
	SSLMode string `mapstructure:"ssl_mode"`

	// MongoDB specific
	AuthDatabase string `mapstructure:"auth_database"`

	ToolsDir    string `mapstructure:"tools_dir"`
	RestoreMode string `mapstructure:"restore_mode"`
}

type BackupConfig struct {
	CompressionLevel    int            `mapstructure:"compression_level"`
	Timeout             time.Duration  `mapstructure:"timeout"`
	TestTimeout         time.Duration  `mapstructure:"test_timeout"`
	VerifyBeforeRestore bool           `mapstructure:"verify_before_restore"`
	AllowRawKeys        bool           `mapstructure:"allow_raw_keys"`
	SpoolDir            string         `mapstructure:"spool_dir"`
	RetentionDays       int            `mapstructure:"retention_days"`
	RetentionKeepMin    int            `mapstructure:"retention_keep_min"`
	CleanupSchedule     string         `mapstructure:"cleanup_schedule"`
	StagingGrace        time.Duration  `mapstructure:"staging_grace"`
	Retry               RetryConfig    `mapstructure:"retry"`
	Targets             []TargetConfig `mapstructure:"targets"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Deadline     time.Duration `mapstructure:"deadline"`
}

type TargetConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// Local
	Path string `mapstructure:"path"`

	// AWS S3. Bucket and Prefix also apply to GCS, Prefix to Azure.
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Endpoint overrides the service URL of S3, GCS and Azure, e.g. for emulators.
	Endpoint string `mapstructure:"endpoint"`

	// Google Cloud Storage and Google Drive service accounts
	CredentialsFile string `mapstructure:"credentials_file"`

	// Azure Blob
	Account      string `mapstructure:"account"`
	Container    string `mapstructure:"container"`
	SASToken     string `mapstructure:"sas_token"`
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// Google Drive
	FolderID         string `mapstructure:"folder_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`
	RefreshToken     string `mapstructure:"refresh_token"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BotToken  string `mapstructure:"bot_token"`
	ChatID    string `mapstructure:"chat_id"`
	OnSuccess bool   `mapstructure:"on_success"`
	OnFailure bool   `mapstructure:"on_failure"`
}

const (
	TargetLocal  = "local"
	TargetS3     = "s3"
	TargetGCS    = "gcs"
	TargetAzure  = "azure"
	TargetGDrive = "gdrive"
)

const EnvPrefix = "DBVAULT"

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, domain.ConfigError("failed to read config %s: %v", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.ConfigError("failed to unmarshal config: %v", err)
	}

	expandEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dbvault")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("backup.compression_level", 6)
	v.SetDefault("backup.timeout", 6*time.Hour)
	v.SetDefault("backup.test_timeout", 10*time.Second)
	v.SetDefault("backup.verify_before_restore", true)
	v.SetDefault("backup.allow_raw_keys", true)
	v.SetDefault("backup.retention_days", 0)
	v.SetDefault("backup.retention_keep_min", 1)
	v.SetDefault("backup.cleanup_schedule", "0 0 3 * * *")
	v.SetDefault("backup.staging_grace", time.Hour)

	v.SetDefault("backup.retry.max_attempts", retry.Default.MaxAttempts)
	v.SetDefault("backup.retry.initial_delay", retry.Default.InitialDelay)
	v.SetDefault("backup.retry.max_delay", retry.Default.MaxDelay)
	v.SetDefault("backup.retry.multiplier", retry.Default.Multiplier)

	v.SetDefault("notifications.telegram.on_success", true)
	v.SetDefault("notifications.telegram.on_failure", true)
}

// applyDefaults fills per-entry defaults viper cannot express for list items.
func (c *Config) applyDefaults() {
	for i := range c.Databases {
		db := &c.Databases[i]
		db.Type = strings.ToLower(strings.TrimSpace(db.Type))
		if t, err := domain.ParseDatabaseType(db.Type); err == nil {
			db.Type = string(t)
			if db.Port == 0 {
				db.Port = t.DefaultPort()
			}
		}
		if db.RestoreMode == "" {
			db.RestoreMode = string(domain.RestoreClean)
		}
		if db.Type == string(domain.Mongo) && db.AuthDatabase == "" {
			db.AuthDatabase = db.Database
		}
	}

	if len(c.Backup.Targets) == 0 {
		c.Backup.Targets = []TargetConfig{{Type: TargetLocal}}
	}
	for i := range c.Backup.Targets {
		t := &c.Backup.Targets[i]
		t.Type = strings.ToLower(strings.TrimSpace(t.Type))
		if t.Name == "" {
			t.Name = t.Type
		}
		switch t.Type {
		case TargetLocal:
			if t.Path == "" {
				t.Path = "./backups"
			}
		case TargetS3:
			if t.Region == "" {
				t.Region = "us-west-2"
			}
			if t.Prefix == "" {
				t.Prefix = "dbvault/backups/"
			}
		}
	}
}

func (c *Config) GetEnabledDatabases() []DatabaseConfig {
	var enabled []DatabaseConfig
	for _, db := range c.Databases {
		if db.Enabled {
			enabled = append(enabled, db)
		}
	}
	return enabled
}

// Database looks a database up by name.
func (c *Config) Database(name string) (DatabaseConfig, error) {
	for _, db := range c.Databases {
		if db.Name == name {
			return db, nil
		}
	}
	return DatabaseConfig{}, domain.NotFoundError("database %q is not configured", name)
}

// Target looks a storage target up by name. An empty name selects the first target.
func (c *Config) Target(name string) (TargetConfig, error) {
	if name == "" {
		if len(c.Backup.Targets) == 0 {
			return TargetConfig{}, domain.ConfigError("no storage targets configured")
		}
		return c.Backup.Targets[0], nil
	}
	for _, t := range c.Backup.Targets {
		if t.Name == name {
			return t, nil
		}
	}
	return TargetConfig{}, domain.NotFoundError("storage target %q is not configured", name)
}

// ConnectionSpec converts a database entry into what the adapters consume.
func (d DatabaseConfig) ConnectionSpec() (domain.ConnectionSpec, error) {
	t, err := domain.ParseDatabaseType(d.Type)
	if err != nil {
		return domain.ConnectionSpec{}, err
	}
	mode := domain.RestoreMode(d.RestoreMode)
	if mode == "" {
		mode = domain.RestoreClean
	}
	return domain.ConnectionSpec{
		Name:         d.Name,
		Type:         t,
		Host:         d.Host,
		Port:         d.Port,
		Username:     d.Username,
		Password:     d.Password,
		Database:     d.Database,
		SSLMode:      d.SSLMode,
		AuthDatabase: d.AuthDatabase,
		ToolsDir:     d.ToolsDir,
		RestoreMode:  mode,
	}, nil
}

func (r RetryConfig) Options() retry.Options {
	return retry.Options{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       true,
		Deadline:     r.Deadline,
	}
}

func (t TargetConfig) String() string {
	switch t.Type {
	case TargetLocal:
		return fmt.Sprintf("%s (local %s)", t.Name, t.Path)
	case TargetS3, TargetGCS:
		return fmt.Sprintf("%s (%s bucket %s)", t.Name, t.Type, t.Bucket)
	case TargetAzure:
		return fmt.Sprintf("%s (azure container %s)", t.Name, t.Container)
	case TargetGDrive:
		return fmt.Sprintf("%s (gdrive folder %s)", t.Name, t.FolderID)
	default:
		return t.Name
	}
}
