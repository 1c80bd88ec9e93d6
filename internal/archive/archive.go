// Package archive copies finished recordings to long-term storage: a local
// or mounted directory, S3-compatible object storage, Google Cloud Storage,
// Azure Blob Storage or Backblaze B2.
package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/AIWaveSystems/screenRecording/internal/config"
	"github.com/AIWaveSystems/screenRecording/internal/logging"
)

var log = logging.L("archive")

var ErrUnknownProvider = errors.New("unknown archive provider")

// Provider stores one local file under key and returns where it landed.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Archiver maps recordings onto object keys and hands them to a Provider.
type Archiver struct {
	provider Provider
	prefix   string
}

func New(provider Provider, prefix string) *Archiver {
	return &Archiver{provider: provider, prefix: strings.Trim(prefix, "/")}
}

// NewFromConfig builds the configured provider. It returns (nil, nil) when
// archiving is disabled.
func NewFromConfig(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "local":
		p, err = NewLocalProvider(cfg.LocalPath)
	case "s3":
		p, err = NewS3Provider(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "gcs":
		p, err = NewGCSProvider(ctx, cfg.Bucket, cfg.CredentialsFile)
	case "azure":
		p, err = NewAzureProvider(cfg.AccountURL, cfg.Bucket, cfg.AccessKeyID, cfg.SecretAccessKey)
	case "b2":
		p, err = NewB2Provider(ctx, cfg.Bucket, cfg.AccessKeyID, cfg.SecretAccessKey)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", cfg.Provider, err)
	}
	return New(p, cfg.Prefix), nil
}

func (a *Archiver) Provider() string { return a.provider.Name() }

// Upload stores the recording at localPath and returns its location.
func (a *Archiver) Upload(ctx context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("archive: %s is a directory", localPath)
	}

	key := ObjectKey(a.prefix, localPath)
	start := time.Now()
	loc, err := a.provider.Upload(ctx, localPath, key)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", a.provider.Name(), err)
	}
	log.Info("uploaded recording",
		"provider", a.provider.Name(),
		"key", key,
		"bytes", info.Size(),
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return loc, nil
}

// ObjectKey is prefix/<day directory>/<file name> with forward slashes.
func ObjectKey(prefix, localPath string) string {
	day := filepath.Base(filepath.Dir(localPath))
	name := filepath.Base(localPath)
	parts := []string{}
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	if day != "." && day != string(filepath.Separator) {
		parts = append(parts, day)
	}
	return path.Join(append(parts, name)...)
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".mp4":
		return "video/mp4"
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
