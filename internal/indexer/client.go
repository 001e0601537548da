// Package indexer queries the NFT metadata indexer for minted token images.
// A miss is normal right after a mint (the indexer lags the chain); callers
// fall back to reading token metadata straight from the contract.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a read-only metadata indexer client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	Image string `json:"image"`
	Owner string `json:"owner"`
}

// TokenImage returns the indexed image URL or data URI for tokenID, or ""
// when the indexer has no entry yet.
func (c *Client) TokenImage(ctx context.Context, tokenID int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/tokens/%d", c.baseURL, tokenID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("indexer: status %d", resp.StatusCode)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("indexer: decode response: %w", err)
	}
	return out.Image, nil
}
