package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/semmidev/dbvault/internal/domain"
)

// Server error numbers.
const (
	mysqlAccessDenied    = 1045
	mysqlUnknownDatabase = 1049
)

type MySQLDatabase struct {
	spec   domain.ConnectionSpec
	openDB func(dsn string) (*sql.DB, error)
}

func NewMySQL(spec domain.ConnectionSpec) *MySQLDatabase {
	return &MySQLDatabase{
		spec: spec,
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
}

func (m *MySQLDatabase) Name() string {
	return m.spec.Name
}

func (m *MySQLDatabase) Type() domain.DatabaseType {
	return domain.MySQL
}

func (m *MySQLDatabase) TestConnection(ctx context.Context, timeout time.Duration) error {
	if err := findTools(m.spec.ToolsDir, "mysqldump", "mysql"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := m.open(timeout)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return m.classify(err)
	}
	return nil
}

func (m *MySQLDatabase) Dump(ctx context.Context) (io.ReadCloser, error) {
	path, err := findTool(m.spec.ToolsDir, "mysqldump")
	if err != nil {
		return nil, err
	}

	args := append(m.connectionArgs(),
		"--single-transaction",
		"--quick",
		"--lock-tables=false",
		"--routines",
		"--triggers",
		"--events",
		"--add-drop-table",
		m.spec.Database,
	)
	return startDump(ctx, "mysqldump", path, args, m.env())
}

// Restore replays the dump. Dumps carry DROP TABLE statements, so additive restores are refused.
func (m *MySQLDatabase) Restore(ctx context.Context, r io.Reader) error {
	if m.spec.RestoreMode == domain.RestoreAppend {
		return domain.ConfigError("database %s: restore_mode append is not supported for mysql dumps", m.spec.Name)
	}

	path, err := findTool(m.spec.ToolsDir, "mysql")
	if err != nil {
		return err
	}

	args := append(m.connectionArgs(), m.spec.Database)
	return runRestore(ctx, "mysql", path, args, m.env(), r)
}

func (m *MySQLDatabase) Size(ctx context.Context) (int64, error) {
	db, err := m.open(10 * time.Second)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var size int64
	err = db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = ?",
		m.spec.Database,
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to query database size: %w", m.classify(err))
	}
	return size, nil
}

func (m *MySQLDatabase) open(timeout time.Duration) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = m.spec.Username
	cfg.Passwd = m.spec.Password
	cfg.Net = "tcp"
	cfg.Addr = m.spec.Address()
	cfg.DBName = m.spec.Database
	cfg.Timeout = timeout

	db, err := m.openDB(cfg.FormatDSN())
	if err != nil {
		return nil, domain.ConfigError("database %s: invalid connection settings: %v", m.spec.Name, err)
	}
	return db, nil
}

func (m *MySQLDatabase) classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlAccessDenied:
			return domain.AuthenticationError(fmt.Sprintf("mysql %s: login rejected for %q", m.spec.Address(), m.spec.Username), err)
		case mysqlUnknownDatabase:
			return domain.ConnectionError(fmt.Sprintf("mysql %s: unknown database %q", m.spec.Address(), m.spec.Database), err)
		}
	}
	return domain.ConnectionError(fmt.Sprintf("mysql %s unreachable", m.spec.Address()), err)
}

func (m *MySQLDatabase) connectionArgs() []string {
	return []string{
		"--host=" + m.spec.Host,
		"--port=" + strconv.Itoa(m.spec.Port),
		"--user=" + m.spec.Username,
	}
}

// env keeps the password out of the process list.
func (m *MySQLDatabase) env() []string {
	return []string{"MYSQL_PWD=" + m.spec.Password}
}
