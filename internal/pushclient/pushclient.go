// Package pushclient upserts records into a PostgREST-compatible remote
// (Supabase style) keyed by record id.
package pushclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"possync/backend/internal/domain"
)

const DefaultTimeout = 15 * time.Second

// Endpoint is the remote location and its static API key.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

func (e Endpoint) Configured() bool {
	return strings.TrimSpace(e.BaseURL) != "" && strings.TrimSpace(e.APIKey) != ""
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Kind       domain.EntityKind
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push %s: remote returned %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("push %s: remote returned %d: %s", e.Kind, e.StatusCode, e.Body)
}

type Client struct {
	http    *http.Client
	timeout time.Duration
}

func New(client *http.Client, timeout time.Duration) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: client, timeout: timeout}
}

// TableURL is {base}/rest/v1/{kind}.
func TableURL(base string, kind domain.EntityKind) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("remote url %q must be http or https", base)
	}
	return u.JoinPath("rest", "v1", string(kind)).String(), nil
}

// Upsert POSTs the record as JSON. The merge-duplicates preference turns the
// insert into an idempotent upsert on the primary key.
func (c *Client) Upsert(ctx context.Context, ep Endpoint, kind domain.EntityKind, record domain.Record) error {
	target, err := TableURL(ep.BaseURL, kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, record.RecordID(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", ep.APIKey)
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Kind: kind, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
