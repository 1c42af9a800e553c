// Package blob stores and retrieves the raw uploaded source files.
//
// The store speaks in opaque URLs (gs://bucket/key) so callers never
// construct vendor paths themselves. Keys follow the fixed layout
// {prefix}/{document_id}/{filename}.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// PutResult reports where an uploaded object landed.
type PutResult struct {
	// URL is the canonical object locator (gs://bucket/key).
	URL string
	// Size is the number of bytes written.
	Size int64
}

// Store is the object-store capability. Implementations retry transient
// faults internally; errors that escape are terminal for the operation.
type Store interface {
	// Put streams an object under the given key and returns its locator.
	Put(ctx context.Context, key, contentType string, r io.Reader) (*PutResult, error)

	// Get reads the full object behind a locator previously returned by Put.
	Get(ctx context.Context, url string) ([]byte, error)

	// DeleteByURL removes the object. Deleting a missing object is not an
	// error; tombstone purges run more than once.
	DeleteByURL(ctx context.Context, url string) error
}

// ObjectKey builds the canonical key for a document's source file.
func ObjectKey(prefix, documentID, filename string) string {
	filename = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '\x00':
			return '_'
		}
		return r
	}, filename)
	return fmt.Sprintf("%s/%s/%s", strings.Trim(prefix, "/"), documentID, filename)
}

// splitURL parses gs://bucket/key into its parts.
func splitURL(url string) (bucket, key string, err error) {
	const scheme = "gs://"
	if !strings.HasPrefix(url, scheme) {
		return "", "", fmt.Errorf("blob: unsupported url %q", url)
	}
	rest := strings.TrimPrefix(url, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("blob: malformed url %q", url)
	}
	return bucket, key, nil
}
