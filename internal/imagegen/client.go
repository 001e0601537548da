// Package imagegen wraps the external AI image provider that turns a
// Warplet into Geoplet artwork. The provider is a black box: source image
// URL in, generated image bytes out.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Client is an authenticated image-generation REST client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type generateRequest struct {
	SourceImageURL string `json:"sourceImageUrl"`
}

type generateResponse struct {
	ImageB64 string `json:"imageBase64"`
}

// Generate produces derivative artwork from the source image. The provider
// occasionally fails or returns an empty result; one retry covers that
// without hammering it.
func (c *Client) Generate(ctx context.Context, sourceImageURL string) (string, error) {
	img, err := c.generateOnce(ctx, sourceImageURL)
	if err == nil && img != "" {
		return img, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	img, err = c.generateOnce(ctx, sourceImageURL)
	if err != nil {
		return "", err
	}
	if img == "" {
		return "", errors.New("imagegen: provider returned empty image")
	}
	return img, nil
}

func (c *Client) generateOnce(ctx context.Context, sourceImageURL string) (string, error) {
	body, err := json.Marshal(generateRequest{SourceImageURL: sourceImageURL})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imagegen: status %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("imagegen: decode response: %w", err)
	}
	return out.ImageB64, nil
}
