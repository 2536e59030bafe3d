package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/semmidev/dbvault/internal/domain"
)

// Server error code for AuthenticationFailed.
const mongoAuthFailed = 18

type MongoDBDatabase struct {
	spec domain.ConnectionSpec
}

func NewMongoDB(spec domain.ConnectionSpec) *MongoDBDatabase {
	return &MongoDBDatabase{spec: spec}
}

func (m *MongoDBDatabase) Name() string {
	return m.spec.Name
}

func (m *MongoDBDatabase) Type() domain.DatabaseType {
	return domain.Mongo
}

func (m *MongoDBDatabase) TestConnection(ctx context.Context, timeout time.Duration) error {
	if err := findTools(m.spec.ToolsDir, "mongodump", "mongorestore"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := m.connect(ctx, timeout)
	if err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return m.classify(err)
	}
	return nil
}

func (m *MongoDBDatabase) Dump(ctx context.Context) (io.ReadCloser, error) {
	path, err := findTool(m.spec.ToolsDir, "mongodump")
	if err != nil {
		return nil, err
	}

	args := []string{
		"--uri=" + m.uri(),
		"--db=" + m.spec.Database,
		"--archive",
	}
	return startDump(ctx, "mongodump", path, args, nil)
}

// Restore replaces the collections contained in the archive in clean mode (--drop).
func (m *MongoDBDatabase) Restore(ctx context.Context, r io.Reader) error {
	path, err := findTool(m.spec.ToolsDir, "mongorestore")
	if err != nil {
		return err
	}

	args := []string{
		"--uri=" + m.uri(),
		"--archive",
		"--nsInclude=" + m.spec.Database + ".*",
	}
	if m.spec.RestoreMode != domain.RestoreAppend {
		args = append(args, "--drop")
	}
	return runRestore(ctx, "mongorestore", path, args, nil, r)
}

func (m *MongoDBDatabase) Size(ctx context.Context) (int64, error) {
	client, err := m.connect(ctx, 10*time.Second)
	if err != nil {
		return 0, err
	}
	defer client.Disconnect(context.Background())

	var stats struct {
		DataSize  float64 `bson:"dataSize"`
		IndexSize float64 `bson:"indexSize"`
	}
	err = client.Database(m.spec.Database).
		RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).
		Decode(&stats)
	if err != nil {
		return 0, fmt.Errorf("failed to run dbStats: %w", m.classify(err))
	}
	return int64(stats.DataSize + stats.IndexSize), nil
}

func (m *MongoDBDatabase) connect(ctx context.Context, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(m.uri()).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, m.classify(err)
	}
	return client, nil
}

func (m *MongoDBDatabase) classify(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == mongoAuthFailed {
		return domain.AuthenticationError(fmt.Sprintf("mongodb %s: login rejected for %q", m.spec.Address(), m.spec.Username), err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authentication failed") || strings.Contains(msg, "auth error") {
		return domain.AuthenticationError(fmt.Sprintf("mongodb %s: login rejected for %q", m.spec.Address(), m.spec.Username), err)
	}
	return domain.ConnectionError(fmt.Sprintf("mongodb %s unreachable", m.spec.Address()), err)
}

// uri leaves the database out of the path; tools get it through --db / --nsInclude.
func (m *MongoDBDatabase) uri() string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   m.spec.Address(),
		Path:   "/",
	}
	if m.spec.Username != "" {
		if m.spec.Password != "" {
			u.User = url.UserPassword(m.spec.Username, m.spec.Password)
		} else {
			u.User = url.User(m.spec.Username)
		}

		authDB := m.spec.AuthDatabase
		if authDB == "" {
			authDB = m.spec.Database
		}
		u.RawQuery = url.Values{"authSource": {authDB}}.Encode()
	}
	return u.String()
}
