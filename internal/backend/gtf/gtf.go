// Package gtf talks to the third-party GTF REST API: plain HTTP, a GET to
// mint a key, a second GET for its access URL, DELETE to revoke.
package gtf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"keygate/internal/backend"
	"keygate/internal/model"
)

type Client struct {
	opts backend.Options
}

func (c *Client) CreateKey(ctx context.Context, server *model.Server) (*backend.KeyInfo, error) {
	client := &http.Client{Timeout: c.opts.Timeout}
	apiURL := strings.TrimRight(server.APIURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating gtf key on server %d: %w", server.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("creating gtf key on server %d: status %d", server.ID, resp.StatusCode)
	}

	var created struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decoding gtf create response from server %d: %w", server.ID, err)
	}

	// Second round trip: the access URL is served per key id.
	urlReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, fmt.Sprintf("%s/%d/?format=url", apiURL, created.ID), nil)
	if err != nil {
		return nil, err
	}
	urlResp, err := client.Do(urlReq)
	if err != nil {
		return nil, fmt.Errorf("fetching gtf access url from server %d: %w", server.ID, err)
	}
	defer urlResp.Body.Close()

	if urlResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching gtf access url from server %d: status %d", server.ID, urlResp.StatusCode)
	}

	body, err := io.ReadAll(urlResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading gtf access url from server %d: %w", server.ID, err)
	}

	return &backend.KeyInfo{ID: created.ID, AccessURL: strings.TrimSpace(string(body))}, nil
}

func (c *Client) RemoveKey(ctx context.Context, server *model.Server, keyID int) error {
	client := &http.Client{Timeout: c.opts.Timeout}

	url := fmt.Sprintf("%s/%d", strings.TrimRight(server.APIURL, "/"), keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting gtf key %d on server %d: %w", keyID, server.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("deleting gtf key %d on server %d: %w", keyID, server.ID, backend.ErrNotFound)
	default:
		return fmt.Errorf("deleting gtf key %d on server %d: status %d", keyID, server.ID, resp.StatusCode)
	}
}

func init() {
	backend.Register(model.TypeGTF, func(opts backend.Options) backend.Provisioner {
		return &Client{opts: opts}
	})
}
