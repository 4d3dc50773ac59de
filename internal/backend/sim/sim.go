// Package sim fabricates keys without touching the network. Used for every
// server when real_servers is off, and by tests.
package sim

import (
	"context"
	"encoding/base64"
	"fmt"

	"keygate/internal/backend"
	"keygate/internal/logger"
	"keygate/internal/model"
)

type Backend struct {
	opts backend.Options
}

func New(opts backend.Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) CreateKey(_ context.Context, server *model.Server) (*backend.KeyInfo, error) {
	id := b.opts.Rand.Intn(100) + 1
	secret := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("chacha20-ietf-poly1305:sim-%04d", b.opts.Rand.Intn(10000))))

	// Shaped like a real access URL so the rewrite pipeline and config
	// parser exercise the same code paths as production.
	accessURL := fmt.Sprintf("ss://%s@localserver%d:%d/?outline=1",
		secret, b.opts.Rand.Intn(100)+1, 10000+b.opts.Rand.Intn(50000))

	logger.Log.Debugf("Simulated key %d created on server %d", id, server.ID)
	return &backend.KeyInfo{ID: id, AccessURL: accessURL}, nil
}

func (b *Backend) RemoveKey(_ context.Context, server *model.Server, keyID int) error {
	logger.Log.Debugf("Simulated key %d removed from server %d", keyID, server.ID)
	return nil
}

func init() {
	backend.Register("sim", func(opts backend.Options) backend.Provisioner {
		return New(opts)
	})
}
