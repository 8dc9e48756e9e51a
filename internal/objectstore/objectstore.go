// Package objectstore is the storage port behind large ledger payloads and
// attachment bytes: anything this system routes to a bucket rather than a row.
package objectstore

import "context"

// Store puts and fetches opaque byte blobs under tenant-scoped keys. Callers
// own key-naming (tenant/{tenant_id}/conv/{conversation_id}/event/{event_id}.json.gz
// for ledger spill, tenant/{tenant_id}/attachment/{attachment_id}/{filename}
// for attachments).
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PresignGet returns a time-limited download URL, or ("", ErrNotSupported)
	// for backends (e.g. the in-memory test store) that can't presign.
	PresignGet(ctx context.Context, key string) (string, error)
	// PresignPut returns a time-limited upload URL for direct client upload.
	PresignPut(ctx context.Context, key string, contentType string) (string, error)
	// Delete removes an object. Deleting a key that does not exist is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// ErrNotSupported is returned by PresignGet/PresignPut on backends that have
// no notion of a presigned URL.
var ErrNotSupported = objectStoreError("object store backend does not support presigned URLs")

type objectStoreError string

func (e objectStoreError) Error() string { return string(e) }
