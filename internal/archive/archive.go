// Package archive keeps raw run datasets next to the normalized store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"job-ingestion-orchestrator/internal/config"
	"job-ingestion-orchestrator/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes datasets to a local directory or an S3 bucket.
type Archiver struct {
	up uploader
}

// New picks S3 when a bucket is configured, else a local directory.
// It returns nil when neither is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{up: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return NewLocal(cfg.ArchiveDir), nil
	}
	return nil, nil
}

// NewLocal archives under baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{up: &localUploader{baseDir: baseDir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive stores records as a JSON array and returns the location written.
func (a *Archiver) Archive(ctx context.Context, actorID, runID string, records []models.RawRecord) (string, error) {
	if a == nil || a.up == nil {
		return "", errors.New("archive not configured")
	}
	if records == nil {
		records = []models.RawRecord{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal dataset: %w", err)
	}
	where, err := a.up.Upload(ctx, Key(actorID, runID), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload dataset: %w", err)
	}
	return where, nil
}

// Key is the object key of a run's dataset.
func Key(actorID, runID string) string {
	return fmt.Sprintf("datasets/%s/%s.json", sanitize(actorID), sanitize(runID))
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", "~", "_", "..", "_", " ", "_")

func sanitize(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
