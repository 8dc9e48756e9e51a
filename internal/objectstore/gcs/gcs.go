// Package gcs is the objectstore.Store backend for Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"

	"github.com/orchestra-labs/agentcore/internal/objectstore"
)

// Store wraps a bucket handle.
type Store struct {
	client *storage.Client
	bucket string
}

// New opens a client against the default environment credentials and binds
// it to bucket. Use NewWithClient to inject a client built with an explicit
// credential source (e.g. option.WithCredentialsFile).
func New(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to create storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// NewWithClient binds an already-constructed storage.Client to bucket.
func NewWithClient(client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("gcs: failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: failed to close writer for %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to open reader for %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) PresignGet(_ context.Context, key string) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(15 * time.Minute),
	})
	if err != nil {
		return "", fmt.Errorf("gcs: failed to presign GET for %s: %w", key, err)
	}
	return url, nil
}

func (s *Store) PresignPut(_ context.Context, key string, contentType string) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:      "PUT",
		ContentType: contentType,
		Expires:     time.Now().Add(15 * time.Minute),
	})
	if err != nil {
		return "", fmt.Errorf("gcs: failed to presign PUT for %s: %w", key, err)
	}
	return url, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("gcs: failed to delete object %s: %w", key, err)
	}
	return nil
}

var _ objectstore.Store = (*Store)(nil)
