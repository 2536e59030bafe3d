package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/semmidev/dbvault/internal/domain"
)

const defaultTemplate = `# dbvault configuration
app:
  name: dbvault
  log_level: info
  # log_file: ./logs/dbvault.log
  # metrics_addr: ":9090"
  # pushgateway_url: http://localhost:9091

databases:
  - name: app_db
    type: postgres            # postgres | mongo | mysql
    host: ${DB_HOST:-localhost}
    port: 5432
    username: ${DB_USER:-postgres}
    password: ${DB_PASSWORD}
    database: app
    ssl_mode: prefer
    enabled: true
    schedule: "0 0 2 * * *"   # sec min hour dom month dow
    restore_mode: clean       # clean | append
    # target: local
    # tools_dir: /usr/lib/postgresql/17/bin

backup:
  compression_level: 6
  timeout: 6h
  test_timeout: 10s
  verify_before_restore: true
  allow_raw_keys: true
  retention_days: 0           # 0 keeps everything
  retention_keep_min: 1
  cleanup_schedule: "0 0 3 * * *"
  staging_grace: 1h
  retry:
    max_attempts: 5
    initial_delay: 300ms
    max_delay: 8s
    multiplier: 2
  targets:
    - name: local
      type: local
      path: ./backups
    # - name: s3
    #   type: s3
    #   bucket: my-backups
    #   region: us-west-2
    #   prefix: dbvault/backups/
    #   access_key: ${AWS_ACCESS_KEY_ID}
    #   secret_key: ${AWS_SECRET_ACCESS_KEY}

notifications:
  telegram:
    enabled: false
    bot_token: ${TELEGRAM_BOT_TOKEN}
    chat_id: ${TELEGRAM_CHAT_ID}
    on_success: true
    on_failure: true
`

// WriteDefault writes a commented starter configuration. An existing file is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return domain.ConflictError("config file %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return domain.ConfigError("failed to stat %s: %v", path, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return domain.ConfigError("failed to create config directory: %v", err)
		}
	}

	if err := os.WriteFile(path, []byte(defaultTemplate), 0600); err != nil {
		return domain.ConfigError("failed to write config: %v", err)
	}
	return nil
}
