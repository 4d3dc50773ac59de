// Package fs keeps connect files on local disk. The default store for
// simulated and development setups.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"keygate/internal/configstore"
)

type Store struct {
	dir string
}

func (s *Store) Put(_ context.Context, name string, payload []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	path := filepath.Join(s.dir, name+".json")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(s.dir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing config file: %w", err)
	}
	return nil
}

func (s *Store) Link(name string) string {
	return fmt.Sprintf("ssconf://%s/%s.json", s.dir, name)
}

func init() {
	configstore.Register("fs", func(params map[string]interface{}) (configstore.Store, error) {
		dir, _ := params["dir"].(string)
		if dir == "" {
			dir = "ssconfig"
		}
		return &Store{dir: dir}, nil
	})
}
