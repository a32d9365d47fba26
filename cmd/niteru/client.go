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
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/indexer"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/presenter"
	"github.com/hyperjump/niteru/internal/server"
)

// apiClient talks to a running niteru server. Using the server avoids
// opening the store from a second process while it is serving.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// do sends req and decodes a JSON response into out. Non-2xx responses
// become errors carrying the server's message.
func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) newJSON(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *apiClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newJSON(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) Search(ctx context.Context, query *models.SearchQuery) (*presenter.ResponseView, error) {
	var view presenter.ResponseView
	if err := c.call(ctx, http.MethodPost, "/api/v1/search", query, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) SearchByImage(ctx context.Context, img []byte, k int, filters *models.Filters) (*presenter.ResponseView, error) {
	q := filterValues(filters)
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/search/image?"+q.Encode(), bytes.NewReader(img))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var view presenter.ResponseView
	if err := c.do(req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) SearchByID(ctx context.Context, id string, k int, filters *models.Filters, includeSelf bool) (*presenter.ResponseView, error) {
	q := filterValues(filters)
	if k > 0 {
		q.Set("k", strconv.Itoa(k))
	}
	if includeSelf {
		q.Set("include_self", "true")
	}
	var view presenter.ResponseView
	path := "/api/v1/images/" + url.PathEscape(id) + "/similar?" + q.Encode()
	if err := c.call(ctx, http.MethodGet, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Ingest uploads one image as multipart form data.
func (c *apiClient) Ingest(ctx context.Context, in *models.ImageInput) (*models.ImageRecord, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"id": in.ID, "source_reference": in.SourceRef, "category": in.Category}
	for k, v := range fields {
		if v != "" {
			_ = mw.WriteField(k, v)
		}
	}
	for _, tag := range in.Tags {
		_ = mw.WriteField("tag", tag)
	}
	for k, v := range in.Attributes {
		_ = mw.WriteField("attr", k+"="+v)
	}
	fw, err := mw.CreateFormFile("image", "image")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(in.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/images", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var rec models.ImageRecord
	if err := c.do(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

type bulkImage struct {
	models.ImageInput
	Data []byte `json:"data,omitempty"`
}

func (c *apiClient) BulkIngest(ctx context.Context, inputs []*models.ImageInput) ([]*models.ImageRecord, error) {
	images := make([]bulkImage, len(inputs))
	for i, in := range inputs {
		images[i] = bulkImage{ImageInput: *in, Data: in.Data}
	}
	var out struct {
		Images []*models.ImageRecord `json:"images"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/images/bulk", map[string]interface{}{"images": images}, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

func (c *apiClient) Delete(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/images/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Rebuild(ctx context.Context) (*indexer.Stats, error) {
	var stats indexer.Stats
	if err := c.call(ctx, http.MethodPost, "/api/v1/index/rebuild", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *apiClient) Reembed(ctx context.Context) (int, error) {
	var out struct {
		Reembedded int `json:"reembedded"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/index/reembed", nil, &out); err != nil {
		return 0, err
	}
	return out.Reembedded, nil
}

func (c *apiClient) Status(ctx context.Context) (*server.Status, error) {
	var status server.Status
	if err := c.call(ctx, http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) WatchDirectories(ctx context.Context) ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/watch/directories", nil, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) AddWatchDirectory(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": path, "sync": true}, nil)
}

func (c *apiClient) RemoveWatchDirectory(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, nil)
}

// filterValues encodes filters as query parameters.
func filterValues(f *models.Filters) url.Values {
	q := url.Values{}
	if f == nil {
		return q
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	for _, t := range f.Tags {
		q.Add("tag", t)
	}
	for k, v := range f.Attributes {
		q.Add("attr", k+"="+v)
	}
	if f.Text != "" {
		q.Set("text", f.Text)
	}
	return q
}
