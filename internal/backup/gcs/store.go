// Package gcs provides a backup stats store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawlwatch/internal/backup"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store reads and writes snapshots as objects in a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed backup store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path holding the snapshot for key.
func (s *Store) ObjectName(key jobstats.JobKey) string {
	if s.prefix == "" {
		return backup.RelPath(key)
	}
	return path.Join(s.prefix, backup.RelPath(key))
}

// Load downloads the snapshot for key, returning jobstats.ErrNotFound when the
// object does not exist.
func (s *Store) Load(ctx context.Context, key jobstats.JobKey) (jobstats.Snapshot, error) {
	name := s.ObjectName(key)
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return jobstats.Snapshot{}, fmt.Errorf("load gs://%s/%s: %w", s.bucket, name, jobstats.ErrNotFound)
		}
		return jobstats.Snapshot{}, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return jobstats.Snapshot{}, fmt.Errorf("read object: %w", err)
	}
	var snap jobstats.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return jobstats.Snapshot{}, fmt.Errorf("decode object gs://%s/%s: %w", s.bucket, name, err)
	}
	return snap, nil
}

// Save uploads the snapshot for key. GCS only publishes an object once the
// writer closes successfully; a failed upload is aborted by cancelling its context.
func (s *Store) Save(ctx context.Context, key jobstats.JobKey, snapshot jobstats.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).NewWriter(writeCtx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		cancel()
		_ = writer.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
