package storage

import (
	"context"
	"io"
)

// PutOptions conveys upload destination metadata.
type PutOptions struct {
	Bucket      string
	Key         string
	ContentType string
}

// Service writes opaque objects to remote object storage.
type Service interface {
	// PutObject stores body under opts.Key and returns its s3:// location.
	PutObject(ctx context.Context, body io.Reader, opts PutOptions) (string, error)
}
