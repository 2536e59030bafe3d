package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

const (
	// CopyObject accepts sources up to 5 GiB; larger objects are copied part by part.
	maxSingleCopySize = 5 << 30
	copyPartSize      = 512 << 20
	uploadPartSize    = 16 << 20
)

type S3Storage struct {
	name     string
	client   *s3.Client
	uploader *s3manager.Uploader
	presign  *s3.PresignClient
	bucket   string
	prefix   string
	region   string
	retry    retrier
}

// NewS3 creates a new S3Storage instance using AWS SDK v2. Static keys are
// optional; without them the default credential chain is used.
func NewS3(ctx context.Context, cfg appconfig.TargetConfig, ro retry.Options) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if ro.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(ro.MaxAttempts))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, domain.ConfigError("failed to load AWS config: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := s3manager.NewUploader(client, func(u *s3manager.Uploader) {
		u.PartSize = uploadPartSize
	})

	return &S3Storage{
		name:     cfg.Name,
		client:   client,
		uploader: uploader,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		region:   cfg.Region,
		retry:    retrier{opts: ro},
	}, nil
}

func (s *S3Storage) Name() string {
	return s.name
}

// Put streams r through a multipart upload. The uploader aborts the upload on
// failure, so no partial object becomes visible.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	fullKey := s.fullKey(key)
	src := newSourceReader(r)

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        src,
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return domain.Location{}, putError(src, err, func(err error) error { return s.classify("upload", err) })
	}

	return s.location(fullKey), nil
}

func (s *S3Storage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	dest := s.fullKey(key)

	if _, err := s.Stat(ctx, key); err == nil {
		return domain.Location{}, domain.ConflictError("artifact %s already exists in s3://%s", key, s.bucket)
	} else if !domain.IsType(err, domain.ErrorTypeNotFound) {
		return domain.Location{}, err
	}

	staged, err := s.Stat(ctx, stagingKey)
	if err != nil {
		return domain.Location{}, err
	}

	source := s.copySource(s.fullKey(stagingKey))
	if staged.Size > maxSingleCopySize {
		err = s.multipartCopy(ctx, source, dest, staged.Size)
	} else {
		err = s.retry.do(ctx, func(ctx context.Context) error {
			_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(s.bucket),
				Key:        aws.String(dest),
				CopySource: aws.String(source),
			})
			return s.classify("copy", err)
		})
	}
	if err != nil {
		return domain.Location{}, err
	}

	if err := s.Delete(ctx, stagingKey); err != nil {
		return domain.Location{}, err
	}
	return s.location(dest), nil
}

func (s *S3Storage) multipartCopy(ctx context.Context, source, dest string, size int64) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dest),
	})
	if err != nil {
		return s.classify("copy", err)
	}
	uploadID := created.UploadId

	abort := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(dest),
			UploadId: uploadID,
		})
	}

	var parts []s3types.CompletedPart
	for start, n := int64(0), int32(1); start < size; start, n = start+copyPartSize, n+1 {
		end := min(start+copyPartSize, size) - 1
		partNumber := n

		var etag *string
		err := s.retry.do(ctx, func(ctx context.Context) error {
			out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(s.bucket),
				Key:             aws.String(dest),
				CopySource:      aws.String(source),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
				PartNumber:      aws.Int32(partNumber),
				UploadId:        uploadID,
			})
			if err != nil {
				return s.classify("copy part", err)
			}
			etag = out.CopyPartResult.ETag
			return nil
		})
		if err != nil {
			abort()
			return err
		}
		parts = append(parts, s3types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNumber)})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(dest),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return s.classify("complete copy", err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.retry.do(ctx, func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return s.classify("get "+key, err)
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *S3Storage) Stat(ctx context.Context, key string) (domain.ObjectInfo, error) {
	var info domain.ObjectInfo
	err := s.retry.do(ctx, func(ctx context.Context) error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			return s.classify("stat "+key, err)
		}
		info = domain.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})
	return info, err
}

// List returns all objects under the prefix, keys relative to it.
func (s *S3Storage) List(ctx context.Context) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	err := s.retry.do(ctx, func(ctx context.Context) error {
		objects = objects[:0]
		input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
		if s.prefix != "" {
			input.Prefix = aws.String(s.prefix + "/")
		}

		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return s.classify("list", err)
			}
			for _, obj := range page.Contents {
				name := s.relativeKey(aws.ToString(obj.Key))
				if name == "" {
					continue
				}
				objects = append(objects, domain.ObjectInfo{
					Key:          name,
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// Delete removes a key from S3. Deleting a missing key succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	return s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		if err != nil {
			err = s.classify("delete "+key, err)
			if domain.IsType(err, domain.ErrorTypeNotFound) {
				return nil
			}
		}
		return err
	})
}

func (s *S3Storage) Ping(ctx context.Context) error {
	return s.retry.do(ctx, func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		err = s.classify("head bucket", err)
		if domain.IsType(err, domain.ErrorTypeNotFound) {
			return domain.PermanentStorageError(fmt.Sprintf("s3 bucket %s does not exist", s.bucket), err)
		}
		return err
	})
}

func (s *S3Storage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", domain.PermanentStorageError("failed to presign s3 url", err)
	}
	return req.URL, nil
}

func (s *S3Storage) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	// S3 keys always use forward slashes.
	return path.Join(s.prefix, key)
}

func (s *S3Storage) relativeKey(fullKey string) string {
	if s.prefix == "" {
		return fullKey
	}
	return strings.TrimPrefix(fullKey, s.prefix+"/")
}

// copySource renders bucket/key with each key segment URL-encoded.
func (s *S3Storage) copySource(fullKey string) string {
	segments := strings.Split(fullKey, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.bucket + "/" + strings.Join(segments, "/")
}

func (s *S3Storage) location(fullKey string) domain.Location {
	return domain.Location{Kind: domain.LocationS3, Bucket: s.bucket, Key: fullKey, Region: s.region}
}

func (s *S3Storage) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return classifyS3(op, err)
}

var s3TransientCodes = map[string]bool{
	"SlowDown":             true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
}

func classifyS3(op string, err error) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return domain.NotFoundError("s3 %s: no such key", op)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "NoSuchKey" || code == "NotFound":
			return domain.NotFoundError("s3 %s: no such key", op)
		case code == "PreconditionFailed":
			return domain.ConflictError("s3 %s: precondition failed", op)
		case s3TransientCodes[code]:
			return domain.TransientStorageError("s3 "+op+" failed: "+code, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == 404 && apiErr == nil:
			return domain.NotFoundError("s3 %s: no such key", op)
		case isStatusTransient(status):
			return domain.TransientStorageError(fmt.Sprintf("s3 %s failed with status %d", op, status), err)
		default:
			return domain.PermanentStorageError(fmt.Sprintf("s3 %s failed with status %d", op, status), err)
		}
	}

	if classified, ok := classifyCommon("s3", op, err); ok {
		return classified
	}
	if apiErr != nil {
		return domain.PermanentStorageError("s3 "+op+" failed: "+apiErr.ErrorCode(), err)
	}
	return domain.PermanentStorageError("s3 "+op+" failed", err)
}
