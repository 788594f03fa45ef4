// Package keyfetch downloads the token verification key from a key server.
package keyfetch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"clubapi/internal/auth"
)

const maxKeySize = 64 << 10

// Client fetches a PEM encoded RSA public key over HTTP.
type Client struct {
	URL  string
	HTTP *http.Client
}

// New creates a client with a short timeout; startup blocks on it.
func New(url string) *Client {
	return &Client{
		URL: url,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PublicKey fetches and parses the key. The server may answer with a raw
// PEM body or with JSON of the form {"public_key": "<pem>"}.
func (c *Client) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("key url required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-pem-file, application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key server request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("key server error %s: %s", resp.Status, string(body))
	}

	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" {
		var out struct {
			PublicKey string `json:"public_key"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		body = []byte(out.PublicKey)
	}
	key, err := auth.ParsePublicKeyPEM(body)
	if err != nil {
		return nil, fmt.Errorf("parse fetched key: %w", err)
	}
	return key, nil
}
