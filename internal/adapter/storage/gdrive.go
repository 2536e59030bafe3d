package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

const driveFileFields = "id, name, size, modifiedTime"

type GDriveStorage struct {
	name     string
	service  *drive.Service
	folderID string
	retry    retrier
}

// DriveOAuthConfig parses an OAuth client secret file for the drive.file scope.
func DriveOAuthConfig(clientSecretFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(clientSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secret file: %w", err)
	}
	return cfg, nil
}

func NewGDrive(ctx context.Context, cfg appconfig.TargetConfig, ro retry.Options) (*GDriveStorage, error) {
	var opt option.ClientOption
	switch {
	case cfg.ClientSecretFile != "" && cfg.RefreshToken != "":
		oauthCfg, err := DriveOAuthConfig(cfg.ClientSecretFile)
		if err != nil {
			return nil, domain.ConfigError("gdrive target %s: %v", cfg.Name, err)
		}
		ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		opt = option.WithTokenSource(ts)
	case cfg.CredentialsFile != "":
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
	default:
		return nil, domain.ConfigError("gdrive target %s: no credentials configured", cfg.Name)
	}

	service, err := drive.NewService(ctx, opt)
	if err != nil {
		return nil, domain.ConfigError("failed to create drive service: %v", err)
	}

	return &GDriveStorage{
		name:     cfg.Name,
		service:  service,
		folderID: cfg.FolderID,
		retry:    retrier{opts: ro},
	}, nil
}

func (g *GDriveStorage) Name() string {
	return g.name
}

// Put creates the file, or replaces the content of an existing file with the same name.
func (g *GDriveStorage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	existing, err := g.find(ctx, key)
	if err != nil && !domain.IsType(err, domain.ErrorTypeNotFound) {
		return domain.Location{}, err
	}

	src := newSourceReader(r)
	media := googleapi.ContentType(contentType(key))
	if existing != nil {
		_, err = g.service.Files.Update(existing.Id, &drive.File{}).
			Media(src, media).
			Context(ctx).
			Do()
	} else {
		_, err = g.service.Files.Create(&drive.File{Name: key, Parents: []string{g.folderID}}).
			Media(src, media).
			Context(ctx).
			Do()
	}
	if err != nil {
		return domain.Location{}, putError(src, err, func(err error) error { return g.classify("upload", err) })
	}

	return g.location(key), nil
}

// Promote renames the staging file. Drive allows duplicate names, so the
// final name is checked first.
func (g *GDriveStorage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	if _, err := g.find(ctx, key); err == nil {
		return domain.Location{}, domain.ConflictError("artifact %s already exists in drive folder %s", key, g.folderID)
	} else if !domain.IsType(err, domain.ErrorTypeNotFound) {
		return domain.Location{}, err
	}

	staged, err := g.find(ctx, stagingKey)
	if err != nil {
		return domain.Location{}, err
	}

	err = g.retry.do(ctx, func(ctx context.Context) error {
		_, err := g.service.Files.Update(staged.Id, &drive.File{Name: key}).Context(ctx).Do()
		return g.classify("rename "+stagingKey, err)
	})
	if err != nil {
		return domain.Location{}, err
	}
	return g.location(key), nil
}

func (g *GDriveStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := g.find(ctx, key)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	err = g.retry.do(ctx, func(ctx context.Context) error {
		resp, err := g.service.Files.Get(file.Id).Context(ctx).Download()
		if err != nil {
			return g.classify("download "+key, err)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (g *GDriveStorage) Stat(ctx context.Context, key string) (domain.ObjectInfo, error) {
	file, err := g.find(ctx, key)
	if err != nil {
		return domain.ObjectInfo{}, err
	}
	return fileInfo(file), nil
}

func (g *GDriveStorage) List(ctx context.Context) ([]domain.ObjectInfo, error) {
	query := fmt.Sprintf("'%s' in parents and trashed=false", g.folderID)

	var objects []domain.ObjectInfo
	err := g.retry.do(ctx, func(ctx context.Context) error {
		objects = objects[:0]
		err := g.service.Files.List().
			Q(query).
			Fields(googleapi.Field("nextPageToken, files(" + driveFileFields + ")")).
			PageSize(1000).
			Context(ctx).
			Pages(ctx, func(page *drive.FileList) error {
				for _, f := range page.Files {
					objects = append(objects, fileInfo(f))
				}
				return nil
			})
		return g.classify("list", err)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (g *GDriveStorage) Delete(ctx context.Context, key string) error {
	file, err := g.find(ctx, key)
	if domain.IsType(err, domain.ErrorTypeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return g.retry.do(ctx, func(ctx context.Context) error {
		err := g.service.Files.Delete(file.Id).Context(ctx).Do()
		if err == nil {
			return nil
		}
		classified := g.classify("delete "+key, err)
		if domain.IsType(classified, domain.ErrorTypeNotFound) {
			return nil
		}
		return classified
	})
}

// Ping lists the folder; drive.file tokens cannot always read the folder itself.
func (g *GDriveStorage) Ping(ctx context.Context) error {
	query := fmt.Sprintf("'%s' in parents and trashed=false", g.folderID)
	return g.retry.do(ctx, func(ctx context.Context) error {
		_, err := g.service.Files.List().Q(query).Fields("files(id)").PageSize(1).Context(ctx).Do()
		return g.classify("folder check", err)
	})
}

// find returns the first untrashed file called name in the folder.
func (g *GDriveStorage) find(ctx context.Context, name string) (*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and name='%s' and trashed=false", g.folderID, escapeQuery(name))

	var found *drive.File
	err := g.retry.do(ctx, func(ctx context.Context) error {
		list, err := g.service.Files.List().
			Q(query).
			Fields(googleapi.Field("files(" + driveFileFields + ")")).
			PageSize(1).
			Context(ctx).
			Do()
		if err != nil {
			return g.classify("find "+name, err)
		}
		if len(list.Files) == 0 {
			return domain.NotFoundError("gdrive: no file named %s in folder %s", name, g.folderID)
		}
		found = list.Files[0]
		return nil
	})
	return found, err
}

func (g *GDriveStorage) location(key string) domain.Location {
	return domain.Location{Kind: domain.LocationGDrive, Bucket: g.folderID, Key: key}
}

func (g *GDriveStorage) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return classifyDrive(op, err)
}

func fileInfo(f *drive.File) domain.ObjectInfo {
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return domain.ObjectInfo{Key: f.Name, Size: f.Size, LastModified: modified}
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func classifyDrive(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("gdrive %s failed with status %d", op, apiErr.Code)
		switch {
		case apiErr.Code == http.StatusNotFound:
			return domain.NotFoundError("gdrive %s: not found", op)
		case isStatusTransient(apiErr.Code):
			return domain.TransientStorageError(msg, err)
		case apiErr.Code == http.StatusForbidden && isRateLimited(apiErr):
			return domain.TransientStorageError(msg+" (rate limited)", err)
		default:
			return domain.PermanentStorageError(msg, err)
		}
	}

	if classified, ok := classifyCommon("gdrive", op, err); ok {
		return classified
	}
	return domain.PermanentStorageError("gdrive "+op+" failed", err)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
