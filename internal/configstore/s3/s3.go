// Package s3 pushes connect files to an S3-compatible bucket over its
// plain HTTP object surface (PUT/DELETE on the object URL).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"keygate/internal/configstore"
	"keygate/internal/logger"
)

type Store struct {
	bucketURL string
	bucket    string
	maxAge    int
	client    *http.Client
}

func (s *Store) Put(ctx context.Context, name string, payload []byte) error {
	key := name + ".json"
	logger.Log.Debugf("Updating %s on bucket %s", key, s.bucket)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", s.maxAge))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("putting %s on bucket %s: %w", key, s.bucket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("putting %s on bucket %s: status %d", key, s.bucket, resp.StatusCode)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	key := name + ".json"

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %s from bucket %s: %w", key, s.bucket, err)
	}
	defer resp.Body.Close()

	// Already gone is fine; the sweepers retry deletions.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting %s from bucket %s: status %d", key, s.bucket, resp.StatusCode)
	}
	return nil
}

func (s *Store) Link(name string) string {
	return fmt.Sprintf("ssconf://s3.amazonaws.com/%s/%s.json", s.bucket, name)
}

func (s *Store) objectURL(key string) string {
	return strings.TrimRight(s.bucketURL, "/") + "/" + key
}

func init() {
	configstore.Register("s3", func(params map[string]interface{}) (configstore.Store, error) {
		bucketURL, _ := params["bucket_url"].(string)
		bucket, _ := params["bucket"].(string)
		if bucketURL == "" || bucket == "" {
			return nil, fmt.Errorf("s3 config store requires bucket and bucket_url")
		}
		maxAge := 3600
		if v, ok := params["max_age"].(int); ok {
			maxAge = v
		}
		return &Store{
			bucketURL: bucketURL,
			bucket:    bucket,
			maxAge:    maxAge,
			client:    &http.Client{Timeout: 30 * time.Second},
		}, nil
	})
}
