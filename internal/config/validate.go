package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/semmidev/dbvault/internal/domain"
)

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
	bucketPattern   = regexp.MustCompile(`^[a-z0-9.-]+$`)
	ipv4Pattern     = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	cronParser      = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return domain.ConfigError("at least one database configuration is required")
	}

	targets := make(map[string]bool, len(c.Backup.Targets))
	for i, t := range c.Backup.Targets {
		if err := validateTarget(t); err != nil {
			return domain.ConfigError("backup.targets[%d]: %v", i, err)
		}
		if targets[t.Name] {
			return domain.ConfigError("backup.targets[%d]: duplicate name %q", i, t.Name)
		}
		targets[t.Name] = true
	}

	names := make(map[string]bool, len(c.Databases))
	for i, db := range c.Databases {
		if err := validateDatabase(db); err != nil {
			return domain.ConfigError("database[%d]: %v", i, err)
		}
		if names[db.Name] {
			return domain.ConfigError("database[%d]: duplicate name %q", i, db.Name)
		}
		names[db.Name] = true

		if db.Target != "" && !targets[db.Target] {
			return domain.ConfigError("database[%d]: unknown target %q", i, db.Target)
		}
	}

	if c.Backup.CompressionLevel < -1 || c.Backup.CompressionLevel > 9 {
		return domain.ConfigError("backup.compression_level must be between -1 and 9")
	}
	if c.Backup.RetentionDays < 0 {
		return domain.ConfigError("backup.retention_days must not be negative")
	}
	if c.Backup.RetentionKeepMin < 0 {
		return domain.ConfigError("backup.retention_keep_min must not be negative")
	}
	if c.Backup.CleanupSchedule != "" {
		if _, err := cronParser.Parse(c.Backup.CleanupSchedule); err != nil {
			return domain.ConfigError("backup.cleanup_schedule: %v", err)
		}
	}

	if tg := c.Notifications.Telegram; tg.Enabled && (tg.BotToken == "" || tg.ChatID == "") {
		return domain.ConfigError("notifications.telegram: bot_token and chat_id are required when enabled")
	}

	return nil
}

func validateDatabase(db DatabaseConfig) error {
	switch {
	case db.Name == "":
		return fmt.Errorf("name is required")
	case !ValidDatabaseName(db.Name):
		return fmt.Errorf("name %q must match [a-zA-Z0-9_-] and be at most 63 characters", db.Name)
	case db.Type == "":
		return fmt.Errorf("type is required")
	case db.Host == "":
		return fmt.Errorf("host is required")
	case !ValidHostname(db.Host):
		return fmt.Errorf("invalid host %q", db.Host)
	case !ValidPort(db.Port):
		return fmt.Errorf("port %d out of range", db.Port)
	case db.Database == "":
		return fmt.Errorf("database is required")
	}

	if _, err := domain.ParseDatabaseType(db.Type); err != nil {
		return err
	}

	switch domain.RestoreMode(db.RestoreMode) {
	case domain.RestoreClean, domain.RestoreAppend:
	default:
		return fmt.Errorf("restore_mode must be %q or %q", domain.RestoreClean, domain.RestoreAppend)
	}

	if db.Enabled {
		if db.Schedule == "" {
			return fmt.Errorf("schedule is required when enabled")
		}
		if _, err := cronParser.Parse(db.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %v", db.Schedule, err)
		}
	}
	return nil
}

func validateTarget(t TargetConfig) error {
	switch t.Type {
	case TargetLocal:
		if t.Path == "" {
			return fmt.Errorf("path is required")
		}
	case TargetS3:
		if !ValidBucketName(t.Bucket) {
			return fmt.Errorf("invalid s3 bucket name %q", t.Bucket)
		}
		if t.Region == "" {
			return fmt.Errorf("region is required")
		}
		if (t.AccessKey == "") != (t.SecretKey == "") {
			return fmt.Errorf("access_key and secret_key must be set together")
		}
	case TargetGCS:
		if t.Bucket == "" {
			return fmt.Errorf("bucket is required")
		}
	case TargetAzure:
		if t.Account == "" || t.Container == "" {
			return fmt.Errorf("account and container are required")
		}
	case TargetGDrive:
		if t.FolderID == "" {
			return fmt.Errorf("folder_id is required")
		}
		if t.CredentialsFile == "" && (t.ClientSecretFile == "" || t.RefreshToken == "") {
			return fmt.Errorf("credentials_file or client_secret_file with refresh_token is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q", t.Type)
	}

	if !domain.ValidName(t.Name) {
		return fmt.Errorf("name %q must match [a-zA-Z0-9_-]", t.Name)
	}
	return nil
}

func ValidDatabaseName(name string) bool {
	return domain.ValidName(name) && len(name) <= 63
}

func ValidHostname(host string) bool {
	if host == "localhost" || net.ParseIP(host) != nil {
		return true
	}
	return len(host) <= 253 && hostnamePattern.MatchString(host)
}

func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

func ValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return false
	}
	if !bucketPattern.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "--") {
		return false
	}
	return !ipv4Pattern.MatchString(name)
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
