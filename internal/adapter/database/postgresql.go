package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/semmidev/dbvault/internal/domain"
)

// Custom-format archives written by pg_dump start with this magic.
const pgCustomMagic = "PGDMP"

type PostgreSQLDatabase struct {
	spec domain.ConnectionSpec
}

func NewPostgreSQL(spec domain.ConnectionSpec) *PostgreSQLDatabase {
	return &PostgreSQLDatabase{spec: spec}
}

func (p *PostgreSQLDatabase) Name() string {
	return p.spec.Name
}

func (p *PostgreSQLDatabase) Type() domain.DatabaseType {
	return domain.Postgres
}

func (p *PostgreSQLDatabase) TestConnection(ctx context.Context, timeout time.Duration) error {
	if err := findTools(p.spec.ToolsDir, "pg_dump", "pg_restore", "psql"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.connect(ctx, timeout)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		return p.classify(err)
	}
	return nil
}

func (p *PostgreSQLDatabase) Dump(ctx context.Context) (io.ReadCloser, error) {
	path, err := findTool(p.spec.ToolsDir, "pg_dump")
	if err != nil {
		return nil, err
	}

	args := append(p.connectionArgs(),
		"--format=custom",
		"--no-password",
		"--verbose",
	)
	return startDump(ctx, "pg_dump", path, args, p.env())
}

// Restore sniffs the archive format: custom archives go through pg_restore,
// anything else is treated as plain SQL for psql.
func (p *PostgreSQLDatabase) Restore(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	header, err := br.Peek(len(pgCustomMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return err
	}
	if len(header) == 0 {
		return domain.RestoreFailedError("", 0, "", errors.New("artifact is empty"))
	}

	tool := "psql"
	args := append(p.connectionArgs(), "--no-password", "--set=ON_ERROR_STOP=1", "--quiet")
	if string(header) == pgCustomMagic {
		tool = "pg_restore"
		args = append(p.connectionArgs(), "--no-password", "--verbose")
		if p.spec.RestoreMode != domain.RestoreAppend {
			args = append(args, "--clean", "--if-exists")
		}
	}

	path, err := findTool(p.spec.ToolsDir, tool)
	if err != nil {
		return err
	}
	return runRestore(ctx, tool, path, args, p.env(), br)
}

func (p *PostgreSQLDatabase) Size(ctx context.Context) (int64, error) {
	conn, err := p.connect(ctx, 10*time.Second)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	var size int64
	if err := conn.QueryRow(ctx, "SELECT pg_database_size($1)", p.spec.Database).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to query database size: %w", err)
	}
	return size, nil
}

func (p *PostgreSQLDatabase) connect(ctx context.Context, timeout time.Duration) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(p.connString())
	if err != nil {
		return nil, domain.ConfigError("database %s: invalid connection settings: %v", p.spec.Name, err)
	}
	cfg.ConnectTimeout = timeout

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, p.classify(err)
	}
	return conn, nil
}

func (p *PostgreSQLDatabase) classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return domain.AuthenticationError(fmt.Sprintf("postgres %s: login rejected for %q", p.spec.Address(), p.spec.Username), err)
		}
	}
	return domain.ConnectionError(fmt.Sprintf("postgres %s unreachable", p.spec.Address()), err)
}

func (p *PostgreSQLDatabase) connString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   p.spec.Address(),
		Path:   "/" + p.spec.Database,
	}
	if p.spec.Password != "" {
		u.User = url.UserPassword(p.spec.Username, p.spec.Password)
	} else if p.spec.Username != "" {
		u.User = url.User(p.spec.Username)
	}
	if p.spec.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.spec.SSLMode}}.Encode()
	}
	return u.String()
}

func (p *PostgreSQLDatabase) connectionArgs() []string {
	return []string{
		"--host=" + p.spec.Host,
		"--port=" + strconv.Itoa(p.spec.Port),
		"--username=" + p.spec.Username,
		"--dbname=" + p.spec.Database,
	}
}

// env passes secrets through libpq variables instead of argv.
func (p *PostgreSQLDatabase) env() []string {
	env := []string{"PGPASSWORD=" + p.spec.Password}
	if p.spec.SSLMode != "" {
		env = append(env, "PGSSLMODE="+p.spec.SSLMode)
	}
	return env
}
