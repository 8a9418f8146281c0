package model

import "context"

// Uploader publishes a single result file of a tool
type Uploader interface {
	Upload(ctx context.Context, name string, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
