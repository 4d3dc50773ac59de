// Package manager speaks the management API of legacy and central servers:
// a per-server HTTPS endpoint with a self-signed certificate identified by
// its SHA-256 fingerprint.
package manager

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"keygate/internal/backend"
	"keygate/internal/logger"
	"keygate/internal/model"
)

type Client struct {
	opts backend.Options
}

type accessKey struct {
	ID        json.Number `json:"id"`
	AccessURL string      `json:"accessUrl"`
}

func (c *Client) CreateKey(ctx context.Context, server *model.Server) (*backend.KeyInfo, error) {
	client := c.httpClient(server)

	url := strings.TrimRight(server.APIURL, "/") + "/access-keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("creating key on server %d: %w", server.ID, backend.ErrTimeout)
		}
		return nil, fmt.Errorf("creating key on server %d: %w", server.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("creating key on server %d: status %d", server.ID, resp.StatusCode)
	}

	var key accessKey
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return nil, fmt.Errorf("decoding access key from server %d: %w", server.ID, err)
	}
	id, err := key.ID.Int64()
	if err != nil {
		return nil, fmt.Errorf("server %d returned a non-numeric key id %q", server.ID, key.ID)
	}

	// Central servers tag their keys with the pool label. Best effort:
	// the key works either way.
	if server.Label != "" {
		if err := c.rename(ctx, client, server, int(id)); err != nil {
			logger.Log.Warnf("Unable to label key %d on server %d: %v", id, server.ID, err)
		}
	}

	return &backend.KeyInfo{ID: int(id), AccessURL: key.AccessURL}, nil
}

func (c *Client) rename(ctx context.Context, client *http.Client, server *model.Server, keyID int) error {
	body, _ := json.Marshal(map[string]string{"name": server.Label})
	url := fmt.Sprintf("%s/access-keys/%d/name", strings.TrimRight(server.APIURL, "/"), keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) RemoveKey(ctx context.Context, server *model.Server, keyID int) error {
	client := c.httpClient(server)

	url := fmt.Sprintf("%s/access-keys/%d", strings.TrimRight(server.APIURL, "/"), keyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("deleting key %d on server %d: %w", keyID, server.ID, backend.ErrTimeout)
		}
		return fmt.Errorf("deleting key %d on server %d: %w", keyID, server.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("deleting key %d on server %d: %w", keyID, server.ID, backend.ErrNotFound)
	default:
		return fmt.Errorf("deleting key %d on server %d: status %d", keyID, server.ID, resp.StatusCode)
	}
}

// httpClient builds a client trusting exactly the certificate the server
// row declares, by fingerprint. Management endpoints are self-signed, so
// chain verification is replaced with pinning.
func (c *Client) httpClient(server *model.Server) *http.Client {
	fingerprint := normalizeFingerprint(server.APICert)

	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // verified below against the pinned print
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if fingerprint == "" {
				return nil
			}
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != fingerprint {
				return fmt.Errorf("certificate fingerprint mismatch")
			}
			return nil
		},
	}

	return &http.Client{
		Timeout:   c.opts.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}

func normalizeFingerprint(cert string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(cert), ":", ""))
}

func isTimeout(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout exceeded")
}

func init() {
	// Legacy and central servers share the wire protocol; they differ in
	// how the coordinator picks them, not in how keys get cut.
	factory := func(opts backend.Options) backend.Provisioner {
		return &Client{opts: opts}
	}
	backend.Register(model.TypeLegacy, factory)
	backend.Register(model.TypeCentral, factory)
}
