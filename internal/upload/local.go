package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// WriteUploader writes the raw content of every file to w
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, _ string, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

func (u WriteUploader) Close() error {
	return nil
}

// OSRootUploader stores copies of the result files in a directory
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, name string, raw []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	name = filepath.Base(name)
	f, err := u.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = f.Write(raw)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving %s: %w", name, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	slog.InfoContext(ctx, "result saved", "path", filepath.Join(u.root.Name(), name))
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
