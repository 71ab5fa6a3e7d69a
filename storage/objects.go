// Package storage holds the clients for the two result stores: the hot
// object store and the cold archive vault.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/anserbio/annex/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound indicates the requested blob does not exist in the
// object store.
var ErrObjectNotFound = fmt.Errorf("storage: object not found")

// ObjectStore is the boundary to hot storage. Implementations must treat
// deleting an absent object as success; a crashed worker may retry a delete
// that already happened.
type ObjectStore interface {
	Get(ctx context.Context, loc models.Location) (io.ReadCloser, error)
	Put(ctx context.Context, loc models.Location, r io.Reader, size int64) error
	Delete(ctx context.Context, loc models.Location) error
	// PresignedLink returns a time-limited read URL for the blob.
	PresignedLink(ctx context.Context, loc models.Location, expiry time.Duration) (string, error)
}

// MinioStore is an ObjectStore backed by any S3-compatible service.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the S3-compatible endpoint.
func NewMinioStore(endpoint, accessKey, secretKey string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client}, nil
}

func (m *MinioStore) Get(ctx context.Context, loc models.Location) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, loc.Bucket, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; surface a missing key now instead of at first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (m *MinioStore) Put(ctx context.Context, loc models.Location, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, loc.Bucket, loc.Key, r, size, minio.PutObjectOptions{})
	return err
}

func (m *MinioStore) Delete(ctx context.Context, loc models.Location) error {
	// RemoveObject on an absent key succeeds, which is what the archive
	// worker's retry path needs.
	return m.client.RemoveObject(ctx, loc.Bucket, loc.Key, minio.RemoveObjectOptions{})
}

func (m *MinioStore) PresignedLink(ctx context.Context, loc models.Location, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, loc.Bucket, loc.Key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Download copies the blob at loc into the local file at path.
func Download(ctx context.Context, store ObjectStore, loc models.Location, path string) error {
	body, err := store.Get(ctx, loc)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// UploadFile streams the local file at path to loc.
func UploadFile(ctx context.Context, store ObjectStore, loc models.Location, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return store.Put(ctx, loc, f, info.Size())
}
