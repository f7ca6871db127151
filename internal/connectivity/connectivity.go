// Package connectivity answers one question: can this device reach the
// internet right now.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"time"
)

const (
	DefaultURL     = "https://www.google.com/generate_204"
	DefaultTimeout = 5 * time.Second
)

type Prober struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func New(url string, timeout time.Duration, client *http.Client) *Prober {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{url: url, timeout: timeout, client: client}
}

// Probe returns true only for a 2xx answer within the timeout. Every failure
// mode, including a malformed URL, reads as offline.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
