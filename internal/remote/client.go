// Package remote reads settings records from a running haiti-shipping
// server, so pollers outside the server process see the same settings.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/julienbonastre/haiti-shipping/internal/database"
)

// RecordsPath is where the server exposes raw settings records
const RecordsPath = "/api/settings/records/"

// Config holds the remote server location and optional credentials
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Client is a read-only settings backend. It satisfies settings.Reader but
// not settings.Writer, so a Store built on it rejects writes.
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for cfg. When TokenURL is set every request
// carries a client-credentials bearer token that is refreshed as it expires.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		// token requests go through a client with the same timeout
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
		httpClient = oauth2.NewClient(ctx, cc.TokenSource(ctx))
		httpClient.Timeout = timeout
	}

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		baseURL:    strings.TrimRight(base.String(), "/"),
	}, nil
}

// IsAuthenticated returns true if requests carry a token
func (c *Client) IsAuthenticated() bool {
	return c.config.TokenURL != ""
}

// GetSetting fetches one raw record. An unknown key yields nil, nil.
func (c *Client) GetSetting(ctx context.Context, key string) (*database.Setting, error) {
	if key == "" {
		return nil, errors.New("empty settings key")
	}

	resp, err := c.doRequest(ctx, http.MethodGet, RecordsPath+url.PathEscape(key))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("settings API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var record database.Setting
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode settings record: %w", err)
	}
	if record.Key != key {
		return nil, fmt.Errorf("server returned record %q for key %q", record.Key, key)
	}
	return &record, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settings request failed: %w", err)
	}
	return resp, nil
}
