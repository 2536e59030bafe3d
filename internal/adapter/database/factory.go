package database

import (
	"github.com/semmidev/dbvault/internal/domain"
)

// New returns the adapter for spec.Type.
func New(spec domain.ConnectionSpec) (domain.Database, error) {
	switch spec.Type {
	case domain.Postgres:
		return NewPostgreSQL(spec), nil
	case domain.Mongo:
		return NewMongoDB(spec), nil
	case domain.MySQL:
		return NewMySQL(spec), nil
	default:
		return nil, domain.ConfigError("database %s: unsupported type %q", spec.Name, spec.Type)
	}
}
