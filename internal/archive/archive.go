// Package archive copies the artifacts of finished runs (generated scripts,
// scraped data, answers) to S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"scrapeqa/internal/config"
	"scrapeqa/internal/logging"
)

// Archiver stores one named artifact of a run.
type Archiver interface {
	Archive(ctx context.Context, runID, name string, r io.Reader, size int64) error
}

// Nop discards everything.
type Nop struct{}

// Archive does nothing.
func (Nop) Archive(context.Context, string, string, io.Reader, int64) error { return nil }

// ObjectKey is where an artifact of a run is stored.
func ObjectKey(runID, name string) string {
	return path.Join("runs", runID, filepath.ToSlash(name))
}

// Config holds object store settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromSettings maps the archive section of the config file.
func ConfigFromSettings(s config.ArchiveConfig) Config {
	return Config{
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Region:    s.Region,
		UseSSL:    s.UseSSL,
		Bucket:    s.Bucket,
	}
}

// Validate checks the settings needed to reach the store.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioArchiver writes artifacts to a bucket via the MinIO client.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to the store and creates the bucket if missing.
func NewMinioArchiver(ctx context.Context, cfg Config) (*MinioArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	a := &MinioArchiver{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	logging.Archive("Archiving runs to %s/%s", cfg.Endpoint, cfg.Bucket)
	return a, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context, region string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	logging.Archive("Created bucket %s", a.bucket)
	return nil
}

// Archive uploads r under runs/<runID>/<name>.
func (a *MinioArchiver) Archive(ctx context.Context, runID, name string, r io.Reader, size int64) error {
	if size <= 0 {
		size = -1
	}
	key := ObjectKey(runID, name)
	_, err := a.client.PutObject(ctx, a.bucket, key, r, size,
		minio.PutObjectOptions{ContentType: contentType(name)})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}
	logging.ArchiveDebug("Archived %s (%d bytes)", key, size)
	return nil
}

// New returns the archiver selected by the config: a MinioArchiver when the
// archive is enabled, Nop otherwise.
func New(ctx context.Context, s config.ArchiveConfig) (Archiver, error) {
	if !s.Enabled {
		return Nop{}, nil
	}
	return NewMinioArchiver(ctx, ConfigFromSettings(s))
}

// Files archives the named files from dir. Missing files are skipped; the
// first upload error is returned after all files were attempted.
func Files(ctx context.Context, a Archiver, runID, dir string, names ...string) error {
	if a == nil {
		return nil
	}
	var firstErr error
	for _, name := range names {
		err := archiveFile(ctx, a, runID, filepath.Join(dir, name), name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func archiveFile(ctx context.Context, a Archiver, runID, p, name string) error {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil
	}
	return a.Archive(ctx, runID, name, f, info.Size())
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".py", ".txt", ".sh":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
