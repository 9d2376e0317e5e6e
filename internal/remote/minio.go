package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/task"
)

// DefaultURLExpiry is how long a staged file's download link stays valid.
const DefaultURLExpiry = time.Hour

// MinioConfig locates the staging bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// MinioStager uploads inputs to an S3-compatible bucket and returns
// presigned download links for the remote side. Old objects are expected to
// be removed by the bucket's lifecycle policy.
type MinioStager struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinioStager creates a stager. It does not contact the server.
func NewMinioStager(cfg MinioConfig) (*MinioStager, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("staging endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "quire-staging"
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &MinioStager{client: client, bucket: bucket, expiry: expiry}, nil
}

// EnsureBucket creates the staging bucket if it does not exist.
func (s *MinioStager) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check staging bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create staging bucket: %w", err)
		}
	}
	return nil
}

// Stage uploads doc under the job's prefix.
func (s *MinioStager) Stage(ctx context.Context, jobID string, doc task.Document) (Staged, error) {
	id := model.NewID()
	objectName := ObjectName(jobID, id, doc.Name)

	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(doc.Data), int64(len(doc.Data)),
		minio.PutObjectOptions{ContentType: contentType(doc.Name)})
	if err != nil {
		return Staged{}, fmt.Errorf("upload %s: %w", doc.Name, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, nil)
	if err != nil {
		return Staged{}, fmt.Errorf("presign %s: %w", doc.Name, err)
	}
	return Staged{ID: id, URL: u.String()}, nil
}

// ObjectName is the key a staged file is stored under. Only the base name
// of the client-supplied file name is kept.
func ObjectName(jobID, fileID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "file"
	}
	return jobID + "/" + fileID + "-" + base
}

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
