package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// HTTPSource is a generic DataSource that speaks a small JSON REST
// convention over HTTP: GET/PUT/DELETE {baseURL}/{entity}/{fid}, with
// the document encoded as a flat map[string]string body. It exists to
// exercise the DataSource capability set end-to-end; the real adapters
// Retcon ships against are out of this spec's scope (§1).
//
// Retries on transport errors and 5xx responses use retryablehttp's
// default exponential backoff, the same library the teacher vendors
// for talking to the Kong Admin API.
type HTTPSource struct {
	Entity  model.EntityName
	BaseURL string

	client *retryablehttp.Client
}

// NewHTTPSource returns an HTTPSource for entity rooted at baseURL. Call
// Init before use.
func NewHTTPSource(entity model.EntityName, baseURL string) *HTTPSource {
	return &HTTPSource{Entity: entity, BaseURL: baseURL}
}

func (h *HTTPSource) Init(context.Context) error {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	h.client = client
	return nil
}

func (h *HTTPSource) Close() error { return nil }

func (h *HTTPSource) url(fid string) string {
	return fmt.Sprintf("%s/%s/%s", h.BaseURL, h.Entity, fid)
}

func (h *HTTPSource) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return h.client.Do(req)
}

func (h *HTTPSource) Get(ctx context.Context, fk model.ForeignKey) (*document.Document, error) {
	resp, err := h.do(ctx, http.MethodGet, h.url(fk.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", h.url(fk.ID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMissing
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", h.url(fk.ID), resp.StatusCode)
	}

	var m map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return document.FromMap(m), nil
}

func (h *HTTPSource) Set(ctx context.Context, doc *document.Document, fk model.ForeignKey) (model.ForeignKey, error) {
	body, err := json.Marshal(doc.AsMap())
	if err != nil {
		return model.ForeignKey{}, fmt.Errorf("encoding document: %w", err)
	}

	url := h.BaseURL + "/" + string(h.Entity)
	if fk.ID != "" {
		url = h.url(fk.ID)
	}

	resp, err := h.do(ctx, http.MethodPut, url, body)
	if err != nil {
		return model.ForeignKey{}, fmt.Errorf("PUT %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return model.ForeignKey{}, fmt.Errorf("PUT %s: unexpected status %d", url, resp.StatusCode)
	}

	if fk.ID != "" {
		return fk, nil
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return model.ForeignKey{}, fmt.Errorf("decoding created id: %w", err)
	}
	fk.ID = created.ID
	return fk, nil
}

func (h *HTTPSource) Delete(ctx context.Context, fk model.ForeignKey) error {
	resp, err := h.do(ctx, http.MethodDelete, h.url(fk.ID), nil)
	if err != nil {
		return fmt.Errorf("DELETE %s: %w", h.url(fk.ID), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE %s: unexpected status %d", h.url(fk.ID), resp.StatusCode)
	}
	return nil
}

var _ DataSource = (*HTTPSource)(nil)
