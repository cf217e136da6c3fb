package connectivity

import (
	"context"
	"net/http"
)

// Probe answers whether the backend can currently be reached.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Reachable(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProbe considers the backend reachable when URL answers with any status below 500.
type HTTPProbe struct {
	URL    string
	Client *http.Client // Must not route through the caching transport.
}

func (p *HTTPProbe) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return res.StatusCode < http.StatusInternalServerError
}
