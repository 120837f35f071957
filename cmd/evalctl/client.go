package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kscalelabs/kodachrome/model"
)

// apiClient is a thin wrapper over the eval_server HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, out)
}

func (c *apiClient) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Submit(ctx context.Context, req model.JobRequest) (model.Job, error) {
	var job model.Job
	err := c.do(ctx, http.MethodPost, "/eval", req, &job)
	return job, err
}

func (c *apiClient) Status(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := c.do(ctx, http.MethodGet, "/eval/"+url.PathEscape(id), nil, &job)
	return job, err
}

func (c *apiClient) List(ctx context.Context, status string) ([]model.Job, error) {
	path := "/eval"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var jobs []model.Job
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

func (c *apiClient) Cancel(ctx context.Context, id string, wait bool) (model.Job, error) {
	path := "/eval/" + url.PathEscape(id) + "/cancel"
	if wait {
		path += "?wait=true"
	}
	var job model.Job
	err := c.do(ctx, http.MethodPost, path, nil, &job)
	return job, err
}

func (c *apiClient) Evict(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/eval/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Outcomes(ctx context.Context, before string) ([]model.Outcome, error) {
	path := "/outcomes"
	if before != "" {
		path += "?before=" + url.QueryEscape(before)
	}
	var out []model.Outcome
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UploadPolicy streams the file at path as the "file" part of a multipart
// POST /policies and returns the nickname the server assigned.
func (c *apiClient) UploadPolicy(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(fw, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/policies", pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Nickname string `json:"nickname"`
	}
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	return out.Nickname, nil
}
