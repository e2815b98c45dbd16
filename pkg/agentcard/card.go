// Package agentcard defines the agent card document consumed during remote
// agent registration and dispatch.
//
// Every A2A-reachable agent serves a card at a stable URL (conventionally
// https://[domain]/.well-known/agent-card.json) describing its name,
// tools, invocation endpoint, and required authentication scheme.
package agentcard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrSchema marks card parse and validation failures, as opposed to
// transport failures. Callers classify with errors.Is.
var ErrSchema = errors.New("agent card schema invalid")

// Card is the agent card document.
type Card struct {
	// Name is the agent's advertised identifier.
	Name string `json:"name"`

	// Description is a human-readable summary of what the agent does.
	Description string `json:"description"`

	// Version is the card schema or agent version string.
	Version string `json:"version,omitempty"`

	// Capabilities lists the tools the agent exposes.
	Capabilities Capabilities `json:"capabilities"`

	// Endpoints holds the agent's invocation surface.
	Endpoints Endpoints `json:"endpoints"`

	// Authentication describes the scheme required to invoke the agent.
	Authentication Authentication `json:"authentication"`

	// Tags are optional category labels embedded in the card.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries extension fields ignored by the core.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Capabilities wraps the tool list.
type Capabilities struct {
	Tools []Tool `json:"tools"`
}

// Tool is one capability advertised by the agent.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Endpoints holds the URLs an agent exposes.
type Endpoints struct {
	Invoke string `json:"invoke"`
}

// Authentication describes the auth scheme required by the agent.
type Authentication struct {
	Type          string   `json:"type"` // "bearer", "api_key", "oauth2", "none"
	TokenEndpoint string   `json:"token_endpoint,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// Parse decodes a Card from JSON bytes and validates required fields.
func Parse(data []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSchema, err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// Validate checks the required fields of a Card.
func (c *Card) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrSchema)
	}
	if c.Description == "" {
		return fmt.Errorf("%w: description is required", ErrSchema)
	}
	if len(c.Capabilities.Tools) == 0 {
		return fmt.Errorf("%w: capabilities.tools must not be empty", ErrSchema)
	}
	for i, t := range c.Capabilities.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: tools[%d].name is required", ErrSchema, i)
		}
		if t.Description == "" {
			return fmt.Errorf("%w: tools[%d].description is required", ErrSchema, i)
		}
	}
	if c.Endpoints.Invoke == "" {
		return fmt.Errorf("%w: endpoints.invoke is required", ErrSchema)
	}
	if _, err := url.ParseRequestURI(c.Endpoints.Invoke); err != nil {
		return fmt.Errorf("%w: endpoints.invoke is not a valid URL", ErrSchema)
	}
	return nil
}

// Fetcher retrieves agent cards over HTTP with a bounded timeout.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher. timeout bounds the whole fetch; zero means 10 s.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves and parses the card at cardURL.
func (f *Fetcher) Fetch(ctx context.Context, cardURL string) (*Card, error) {
	if _, err := url.ParseRequestURI(cardURL); err != nil {
		return nil, fmt.Errorf("invalid card URL %q: %w", cardURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent card fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return nil, fmt.Errorf("read agent card body: %w", err)
	}

	return Parse(body)
}

// Probe performs a best-effort reachability check of the invocation endpoint
// with a HEAD request. It returns false on any transport error or 5xx; a 4xx
// still counts as reachable (the endpoint exists but rejects HEAD).
func (f *Fetcher) Probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
