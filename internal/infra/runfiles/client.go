// Package runfiles fetches run files from the vendor sequencing API. Each
// tracked run carries its own API URL; the client appends the file endpoints
// to it.
package runfiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// FetchError reports a failed vendor API call.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e FetchError) Error() string {
	return fmt.Sprintf("run file fetch %s: status %d", e.URL, e.StatusCode)
}

// Client talks to the vendor run API over HTTP. It implements the run-file
// fetching surface of the ingestion service.
type Client struct {
	httpClient *http.Client
	token      string
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient constructs a vendor API client. With no options it uses a
// 30-second HTTP client and the SEQRUNCORE_RUNFILES_TOKEN environment
// variable for authentication.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      os.Getenv("SEQRUNCORE_RUNFILES_TOKEN"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fileListing struct {
	Items []struct {
		Name string `json:"name"`
	} `json:"items"`
}

// ListFiles returns the file names attached to the run at apiURL.
func (c *Client) ListFiles(ctx context.Context, apiURL string) ([]string, error) {
	body, err := c.get(ctx, strings.TrimSuffix(apiURL, "/")+"/files")
	if err != nil {
		return nil, err
	}
	var listing fileListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode file listing: %w", err)
	}
	names := make([]string, 0, len(listing.Items))
	for _, item := range listing.Items {
		names = append(names, item.Name)
	}
	return names, nil
}

// FetchFile returns the content of one named run file.
func (c *Client) FetchFile(ctx context.Context, apiURL, name string) ([]byte, error) {
	endpoint := strings.TrimSuffix(apiURL, "/") + "/files/" + url.PathEscape(name) + "/content"
	return c.get(ctx, endpoint)
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, FetchError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}
