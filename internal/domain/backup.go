package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact is one stored, compressed backup of a single database.
type Artifact struct {
	ID           string       `json:"id" yaml:"id"`
	DatabaseType DatabaseType `json:"database_type" yaml:"database_type"`
	DatabaseName string       `json:"database_name" yaml:"database_name"`
	Size         int64        `json:"size" yaml:"size"`
	Checksum     string       `json:"checksum_sha256" yaml:"checksum_sha256"`
	Compression  string       `json:"compression" yaml:"compression"`
	Location     Location     `json:"location" yaml:"location"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
	JobID        string       `json:"job_id,omitempty" yaml:"job_id,omitempty"`
}

const (
	artifactPrefix  = "backup_"
	timestampLayout = "20060102_150405"

	ManifestSuffix = ".manifest.json"
	StagingSuffix  = ".partial"
	TempSuffix     = ".tmp"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidName reports whether s may be used as a database name inside an identifier.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ArtifactName is the parsed form of an artifact identifier.
type ArtifactName struct {
	DatabaseType DatabaseType
	DatabaseName string
	Timestamp    time.Time
	Extension    string
}

// NewArtifactID builds backup_<type>_<name>_<YYYYMMDD_HHMMSS><ext> with the timestamp in UTC.
func NewArtifactID(t DatabaseType, name string, at time.Time, ext string) (string, error) {
	if !ValidName(name) {
		return "", ConfigError("database name %q must match %s", name, namePattern.String())
	}
	if t == "" {
		return "", ConfigError("database type is required")
	}
	return fmt.Sprintf("%s%s_%s_%s%s", artifactPrefix, t, name, at.UTC().Format(timestampLayout), ext), nil
}

// ParseArtifactID is the inverse of NewArtifactID.
func ParseArtifactID(id string) (ArtifactName, error) {
	base, ext := id, ""
	if i := strings.IndexByte(id, '.'); i >= 0 {
		base, ext = id[:i], id[i:]
	}
	if !strings.HasPrefix(base, artifactPrefix) {
		return ArtifactName{}, fmt.Errorf("invalid artifact id %q: missing %q prefix", id, artifactPrefix)
	}

	parts := strings.Split(strings.TrimPrefix(base, artifactPrefix), "_")
	if len(parts) < 4 {
		return ArtifactName{}, fmt.Errorf("invalid artifact id %q: expected type, name and timestamp", id)
	}

	ts, err := time.ParseInLocation(timestampLayout, parts[len(parts)-2]+"_"+parts[len(parts)-1], time.UTC)
	if err != nil {
		return ArtifactName{}, fmt.Errorf("invalid artifact id %q: %w", id, err)
	}
	dbType, err := ParseDatabaseType(parts[0])
	if err != nil {
		return ArtifactName{}, fmt.Errorf("invalid artifact id %q: %w", id, err)
	}

	return ArtifactName{
		DatabaseType: dbType,
		DatabaseName: strings.Join(parts[1:len(parts)-2], "_"),
		Timestamp:    ts,
		Extension:    ext,
	}, nil
}

// StagingKey returns a unique temporary key for an in-flight upload of id.
func StagingKey(id string) string {
	return id + "." + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + StagingSuffix
}

func ManifestKey(id string) string {
	return id + ManifestSuffix
}

// IsTemporaryKey matches staging objects and local in-progress writes.
func IsTemporaryKey(key string) bool {
	return strings.HasSuffix(key, StagingSuffix) || strings.HasSuffix(key, TempSuffix)
}

func IsManifestKey(key string) bool {
	return strings.HasSuffix(key, ManifestSuffix)
}

// IsArtifactKey matches final artifact objects.
func IsArtifactKey(key string) bool {
	if IsTemporaryKey(key) || IsManifestKey(key) {
		return false
	}
	_, err := ParseArtifactID(key)
	return err == nil
}
