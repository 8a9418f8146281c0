package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/model"
)

// ErrNotConfigured is returned when there is neither a server nor a directory
// to upload to
var ErrNotConfigured = errors.New("upload target not configured")

// Connection overrides the configured server for a single upload
type Connection struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// OpenFunc opens a target for one batch of result files
type OpenFunc func(ctx context.Context) (model.UploadCloser, error)

// Opener returns a function opening the upload targets of the configuration.
// Connection fields win over the configured server. When both a server and a
// directory are known, every file goes to both.
func Opener(cfg *model.Upload, conn Connection) (OpenFunc, error) {
	serverURL, token, dir := conn.URL, conn.Token, ""
	if cfg != nil {
		if serverURL == "" && cfg.Enabled {
			serverURL = cfg.URL
		}
		if token == "" && cfg.Auth.Type == "static_token" {
			token = cfg.Auth.Token
		}
		dir = cfg.Dir
	}

	var client *Client
	if serverURL != "" {
		u, err := model.ParseURL(serverURL)
		if err != nil {
			return nil, fmt.Errorf("parsing upload url: %w", err)
		}
		client, err = NewClient(u.String(), os.ExpandEnv(token))
		if err != nil {
			return nil, err
		}
	}
	if client == nil && dir == "" {
		return nil, ErrNotConfigured
	}

	return func(ctx context.Context) (model.UploadCloser, error) {
		var targets multi
		if dir != "" {
			u, err := NewOSRootUploader(dir)
			if err != nil {
				return nil, err
			}
			targets = append(targets, u)
		}
		if client != nil {
			s, err := client.Start(ctx)
			if err != nil {
				return nil, errors.Join(err, targets.Close())
			}
			targets = append(targets, s)
		}
		return targets, nil
	}, nil
}

type multi []model.UploadCloser

func (m multi) Upload(ctx context.Context, name string, raw []byte) error {
	var errs []error
	for _, u := range m {
		errs = append(errs, u.Upload(ctx, name, raw))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, u := range m {
		errs = append(errs, u.Close())
	}
	return errors.Join(errs...)
}

// Collect returns the result files of a tool: path itself if it is a file,
// or all .json and .zip files of a directory in name order
func Collect(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".zip":
			ret = append(ret, filepath.Join(path, entry.Name()))
		}
	}
	slices.Sort(ret)
	return ret, nil
}

// Results uploads result files of finished tools and reports the progress as
// upload-progress, upload-done and upload-error events of the tool.
type Results struct {
	sink engine.Sink
	open OpenFunc
}

func NewResults(sink engine.Sink, open OpenFunc) Results {
	if sink == nil {
		sink = engine.Discard
	}
	return Results{sink: sink, open: open}
}

// Upload sends all result files found in path. With clear the files uploaded
// successfully are removed, unless closing the target failed. Errors of
// individual files do not stop the upload, they are joined and reported once
// at the end.
func (r Results) Upload(ctx context.Context, jobID, path string, clear bool) error {
	files, err := Collect(path)
	if err == nil && len(files) == 0 {
		err = fmt.Errorf("no result files in %s", path)
	}
	if err != nil {
		r.sink.Emit(engine.UploadError(jobID, err.Error()))
		return err
	}

	target, err := r.open(ctx)
	if err != nil {
		err = fmt.Errorf("opening upload target: %w", err)
		r.sink.Emit(engine.UploadError(jobID, err.Error()))
		return err
	}

	var errs []error
	var uploaded []string
	for i, file := range files {
		raw, err := os.ReadFile(file)
		if err == nil {
			err = target.Upload(ctx, filepath.Base(file), raw)
		}
		if err != nil {
			slog.WarnContext(ctx, "upload failed", "job_id", jobID, "file", file, "error", err)
			errs = append(errs, err)
			continue
		}
		uploaded = append(uploaded, file)
		r.sink.Emit(engine.UploadProgress(jobID, fmt.Sprintf("%d/%d %s", i+1, len(files), filepath.Base(file))))
	}
	closeErr := target.Close()
	errs = append(errs, closeErr)

	// files of a task which was not ended were not ingested
	if clear && closeErr == nil {
		for _, file := range uploaded {
			if err := os.Remove(file); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		r.sink.Emit(engine.UploadError(jobID, err.Error()))
		return err
	}
	slog.InfoContext(ctx, "results uploaded", "job_id", jobID, "files", len(uploaded))
	r.sink.Emit(engine.UploadDone(jobID, fmt.Sprintf("%d files uploaded", len(uploaded))))
	return nil
}
