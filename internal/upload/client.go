// Package upload publishes result files of finished tools, either to the file
// upload API of a data store or to a local directory.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	uploadPath = "api/v2/file-upload"

	contentTypeJSON = "application/json"
	contentTypeZip  = "application/zip"
)

// Client talks to the file upload API of the data store. Every upload is a
// task: Start opens it, files are posted to it and Close ends it, so the
// server starts ingesting.
type Client struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

func NewClient(serverURL, token string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	c := &Client{
		baseURL: parsedURL,
		token:   token,
		client:  &http.Client{},
	}
	return c, nil
}

// Start opens an upload task
func (c *Client) Start(ctx context.Context) (*Session, error) {
	resp, err := c.post(ctx, path.Join(uploadPath, "start"), contentTypeJSON, []byte("{}"))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	task, err := decodeStartResponse(resp)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "upload task started", slog.Int64("task_id", task.Data.ID))
	return &Session{ctx: ctx, client: c, id: task.Data.ID}, nil
}

func (c *Client) post(ctx context.Context, p, contentType string, raw []byte) (*http.Response, error) {
	u := *c.baseURL
	u.Path = "/" + p
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Prefer", "wait=30")
	req.Header.Set("Request-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// Session is an open upload task, it implements model.UploadCloser
type Session struct {
	ctx    context.Context
	client *Client
	id     int64
}

func (s *Session) ID() int64 {
	return s.id
}

// Upload posts one result file to the task
func (s *Session) Upload(ctx context.Context, name string, raw []byte) error {
	contentType := contentTypeJSON
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		contentType = contentTypeZip
	}
	resp, err := s.client.post(ctx, path.Join(uploadPath, strconv.FormatInt(s.id, 10)), contentType, raw)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	slog.DebugContext(ctx, "file uploaded", slog.Int64("task_id", s.id), slog.String("name", name))
	return nil
}

// Close ends the task
func (s *Session) Close() error {
	ctx := context.WithoutCancel(s.ctx)
	resp, err := s.client.post(ctx, path.Join(uploadPath, strconv.FormatInt(s.id, 10), "end"), contentTypeJSON, []byte("{}"))
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("ending upload task %d: %w", s.id, err)
	}
	return nil
}

type startResponse struct {
	Data struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

func decodeStartResponse(resp *http.Response) (startResponse, error) {
	if err := checkResponse(resp); err != nil {
		return startResponse{}, err
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return startResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != contentTypeJSON {
		return startResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}
	var sr startResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return startResponse{}, fmt.Errorf("decoding json response failed: %w", err)
	}
	if sr.Data.ID == 0 {
		return startResponse{}, errors.New("received unexpected body")
	}
	return sr, nil
}

// checkResponse accepts any 2xx status, for the others it tries to read the
// error messages of the API
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == contentTypeJSON {
		var apiErr struct {
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && len(apiErr.Errors) > 0 {
			msgs := make([]string, 0, len(apiErr.Errors))
			for _, e := range apiErr.Errors {
				msgs = append(msgs, e.Message)
			}
			return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
