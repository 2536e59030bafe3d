package domain

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type DatabaseType string

const (
	Postgres DatabaseType = "postgres"
	Mongo    DatabaseType = "mongo"
	MySQL    DatabaseType = "mysql"
)

// ParseDatabaseType accepts the canonical tags and the common aliases used in configs.
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mongo", "mongodb":
		return Mongo, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return "", ConfigError("unsupported database type %q", s)
	}
}

// DefaultPort returns the engine's standard port.
func (t DatabaseType) DefaultPort() int {
	switch t {
	case Postgres:
		return 5432
	case Mongo:
		return 27017
	case MySQL:
		return 3306
	default:
		return 0
	}
}

// RestoreMode is the explicit policy for data already present in the target database.
type RestoreMode string

const (
	// RestoreClean drops objects contained in the artifact before recreating them.
	RestoreClean RestoreMode = "clean"
	// RestoreAppend loads the artifact on top of existing data.
	RestoreAppend RestoreMode = "append"
)

// ConnectionSpec describes one database target. It is read-only once built.
type ConnectionSpec struct {
	Name         string
	Type         DatabaseType
	Host         string
	Port         int
	Username     string
	Password     string
	Database     string
	SSLMode      string
	AuthDatabase string
	ToolsDir     string
	RestoreMode  RestoreMode
}

func (s ConnectionSpec) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Database wraps an engine's dump and restore tools.
type Database interface {
	Name() string
	Type() DatabaseType
	// TestConnection probes the server without touching data.
	TestConnection(ctx context.Context, timeout time.Duration) error
	// Dump starts the export tool and streams its output. Closing the stream
	// before EOF terminates the tool.
	Dump(ctx context.Context) (io.ReadCloser, error)
	// Restore feeds r into the import tool and returns once the tool has
	// consumed all of it and exited.
	Restore(ctx context.Context, r io.Reader) error
	// Size estimates the database size in bytes.
	Size(ctx context.Context) (int64, error)
}
