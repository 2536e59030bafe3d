package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/semmidev/dbvault/internal/domain"
)

type Logger interface {
	Warnf(template string, args ...interface{})
}

// Catalog records artifacts as JSON manifests stored next to them in one backend.
// Mutations are serialized; use a single Catalog per storage target.
type Catalog struct {
	storage domain.Storage
	logger  Logger
	mu      sync.Mutex
}

func New(storage domain.Storage, logger Logger) *Catalog {
	return &Catalog{storage: storage, logger: logger}
}

func (c *Catalog) Storage() domain.Storage {
	return c.storage
}

// Append writes the manifest for a promoted artifact. An existing entry is a Conflict.
func (c *Catalog) Append(ctx context.Context, a domain.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.Exists(ctx, a.ID)
	if err != nil {
		return err
	}
	if exists {
		return domain.ConflictError("artifact %s is already cataloged in %s", a.ID, c.storage.Name())
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest for %s: %w", a.ID, err)
	}
	if _, err := c.storage.Put(ctx, domain.ManifestKey(a.ID), bytes.NewReader(data)); err != nil {
		return err
	}
	return nil
}

func (c *Catalog) Lookup(ctx context.Context, id string) (domain.Artifact, error) {
	rc, err := c.storage.Get(ctx, domain.ManifestKey(id))
	if err != nil {
		if domain.IsType(err, domain.ErrorTypeNotFound) {
			return domain.Artifact{}, domain.NotFoundError("artifact %s not found in %s", id, c.storage.Name())
		}
		return domain.Artifact{}, err
	}
	defer rc.Close()

	return decode(id, rc)
}

func (c *Catalog) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.storage.Stat(ctx, domain.ManifestKey(id))
	switch {
	case err == nil:
		return true, nil
	case domain.IsType(err, domain.ErrorTypeNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns cataloged artifacts, newest first. Unreadable manifests are skipped with a warning.
func (c *Catalog) List(ctx context.Context) ([]domain.Artifact, error) {
	objects, err := c.storage.List(ctx)
	if err != nil {
		return nil, err
	}

	artifacts := make([]domain.Artifact, 0)
	for _, obj := range objects {
		if !domain.IsManifestKey(obj.Key) {
			continue
		}
		id := strings.TrimSuffix(obj.Key, domain.ManifestSuffix)
		a, err := c.Lookup(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warnf("Skipping manifest %s in %s: %v", obj.Key, c.storage.Name(), err)
			continue
		}
		artifacts = append(artifacts, a)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].ID > artifacts[j].ID
		}
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// Remove deletes the manifest first and then the artifact bytes, so a crash in
// between leaves an uncataloged object rather than a dangling entry.
// An object that was never cataloged is removed as well.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cataloged, err := c.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !cataloged {
		if _, err := c.storage.Stat(ctx, id); err != nil {
			if domain.IsType(err, domain.ErrorTypeNotFound) {
				return domain.NotFoundError("artifact %s not found in %s", id, c.storage.Name())
			}
			return err
		}
	}

	if cataloged {
		if err := c.storage.Delete(ctx, domain.ManifestKey(id)); err != nil {
			return err
		}
	}
	return c.storage.Delete(ctx, id)
}

// Uncataloged returns final artifact objects that have no manifest.
func (c *Catalog) Uncataloged(ctx context.Context) ([]domain.ObjectInfo, error) {
	objects, err := c.storage.List(ctx)
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]bool)
	for _, obj := range objects {
		if domain.IsManifestKey(obj.Key) {
			manifests[strings.TrimSuffix(obj.Key, domain.ManifestSuffix)] = true
		}
	}

	var orphans []domain.ObjectInfo
	for _, obj := range objects {
		if domain.IsArtifactKey(obj.Key) && !manifests[obj.Key] {
			orphans = append(orphans, obj)
		}
	}
	return orphans, nil
}

func decode(id string, r io.Reader) (domain.Artifact, error) {
	var a domain.Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return domain.Artifact{}, fmt.Errorf("failed to decode manifest for %s: %w", id, err)
	}
	if a.ID != id {
		return domain.Artifact{}, fmt.Errorf("manifest for %s describes %s", id, a.ID)
	}
	return a, nil
}
