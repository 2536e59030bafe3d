package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

const copyPollInterval = time.Second

type AzureStorage struct {
	name      string
	client    *azblob.Client
	account   string
	container string
	prefix    string
	retry     retrier
}

// newAzureClient picks credentials in order: SAS, service principal, DefaultAzureCredential.
func newAzureClient(cfg appconfig.TargetConfig) (*azblob.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}

	if sas := strings.TrimPrefix(strings.TrimSpace(cfg.SASToken), "?"); sas != "" {
		return azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
	}

	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, err
		}
		return azblob.NewClient(endpoint, cred, nil)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(endpoint, cred, nil)
}

func NewAzure(cfg appconfig.TargetConfig, ro retry.Options) (*AzureStorage, error) {
	client, err := newAzureClient(cfg)
	if err != nil {
		return nil, domain.ConfigError("failed to create azure blob client: %v", err)
	}
	return &AzureStorage{
		name:      cfg.Name,
		client:    client,
		account:   cfg.Account,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		retry:     retrier{opts: ro},
	}, nil
}

func (a *AzureStorage) Name() string {
	return a.name
}

// Put uploads blocks and commits them at the end; uncommitted blocks never form a blob.
func (a *AzureStorage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	blobName := a.blobName(key)
	src := newSourceReader(r)

	_, err := a.client.UploadStream(ctx, a.container, blobName, src, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType(key))},
	})
	if err != nil {
		return domain.Location{}, putError(src, err, func(err error) error { return a.classify("upload", err) })
	}
	return a.location(blobName), nil
}

// Promote starts a server-side copy guarded by If-None-Match: * and waits for it to finish.
func (a *AzureStorage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	containerClient := a.client.ServiceClient().NewContainerClient(a.container)
	src := containerClient.NewBlobClient(a.blobName(stagingKey))
	dst := containerClient.NewBlobClient(a.blobName(key))

	var status *blob.CopyStatusType
	err := a.retry.do(ctx, func(ctx context.Context) error {
		resp, err := dst.StartCopyFromURL(ctx, src.URL(), &blob.StartCopyFromURLOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
			},
		})
		if err != nil {
			return a.classify("copy", err)
		}
		status = resp.CopyStatus
		return nil
	})
	if err != nil {
		if domain.IsType(err, domain.ErrorTypeConflict) {
			return domain.Location{}, domain.ConflictError("artifact %s already exists in container %s", key, a.container)
		}
		return domain.Location{}, err
	}

	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return domain.Location{}, ctx.Err()
		case <-time.After(copyPollInterval):
		}

		var props blob.GetPropertiesResponse
		err := a.retry.do(ctx, func(ctx context.Context) error {
			var err error
			props, err = dst.GetProperties(ctx, nil)
			return a.classify("copy status", err)
		})
		if err != nil {
			return domain.Location{}, err
		}
		status = props.CopyStatus
		if status != nil && (*status == blob.CopyStatusTypeFailed || *status == blob.CopyStatusTypeAborted) {
			return domain.Location{}, domain.TransientStorageError(
				fmt.Sprintf("azure copy of %s ended as %s: %s", key, *status, to.ValOrZero(props.CopyStatusDescription)), nil)
		}
	}

	if err := a.Delete(ctx, stagingKey); err != nil {
		return domain.Location{}, err
	}
	return a.location(a.blobName(key)), nil
}

func (a *AzureStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := a.retry.do(ctx, func(ctx context.Context) error {
		resp, err := a.client.DownloadStream(ctx, a.container, a.blobName(key), nil)
		if err != nil {
			return a.classify("get "+key, err)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (a *AzureStorage) Stat(ctx context.Context, key string) (domain.ObjectInfo, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(a.blobName(key))

	var info domain.ObjectInfo
	err := a.retry.do(ctx, func(ctx context.Context) error {
		props, err := blobClient.GetProperties(ctx, nil)
		if err != nil {
			return a.classify("stat "+key, err)
		}
		info = domain.ObjectInfo{
			Key:          key,
			Size:         to.ValOrZero(props.ContentLength),
			LastModified: to.ValOrZero(props.LastModified),
		}
		return nil
	})
	return info, err
}

func (a *AzureStorage) List(ctx context.Context) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	err := a.retry.do(ctx, func(ctx context.Context) error {
		objects = objects[:0]
		opts := &azblob.ListBlobsFlatOptions{}
		prefix := ""
		if a.prefix != "" {
			prefix = a.prefix + "/"
			opts.Prefix = to.Ptr(prefix)
		}

		pager := a.client.NewListBlobsFlatPager(a.container, opts)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return a.classify("list", err)
			}
			for _, item := range page.Segment.BlobItems {
				name := strings.TrimPrefix(to.ValOrZero(item.Name), prefix)
				if name == "" {
					continue
				}
				info := domain.ObjectInfo{Key: name}
				if item.Properties != nil {
					info.Size = to.ValOrZero(item.Properties.ContentLength)
					info.LastModified = to.ValOrZero(item.Properties.LastModified)
				}
				objects = append(objects, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (a *AzureStorage) Delete(ctx context.Context, key string) error {
	return a.retry.do(ctx, func(ctx context.Context) error {
		_, err := a.client.DeleteBlob(ctx, a.container, a.blobName(key), nil)
		if err == nil || bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return a.classify("delete "+key, err)
	})
}

// Ping lists a single blob, which works for container-scoped SAS tokens too.
func (a *AzureStorage) Ping(ctx context.Context) error {
	return a.retry.do(ctx, func(ctx context.Context) error {
		pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		if err != nil {
			return a.classify("container check", err)
		}
		return nil
	})
}

func (a *AzureStorage) blobName(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

func (a *AzureStorage) location(blobName string) domain.Location {
	return domain.Location{Kind: domain.LocationAzure, Bucket: a.container, Key: blobName}
}

func (a *AzureStorage) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return classifyAzure(op, err)
}

func classifyAzure(op string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return domain.NotFoundError("azure %s: no such blob", op)
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return domain.ConflictError("azure %s: blob already exists", op)
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return domain.PermanentStorageError("azure "+op+": container not found", err)
	case bloberror.HasCode(err,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.AuthenticationFailed):
		return domain.PermanentStorageError("azure "+op+": not authorized", err)
	case bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError):
		return domain.TransientStorageError("azure "+op+" failed", err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.StatusCode
		switch {
		case status == http.StatusNotFound:
			return domain.NotFoundError("azure %s: no such blob", op)
		case isStatusTransient(status):
			return domain.TransientStorageError(fmt.Sprintf("azure %s failed with status %d", op, status), err)
		default:
			return domain.PermanentStorageError(fmt.Sprintf("azure %s failed with status %d", op, status), err)
		}
	}

	if classified, ok := classifyCommon("azure", op, err); ok {
		return classified
	}
	return domain.PermanentStorageError("azure "+op+" failed", err)
}
