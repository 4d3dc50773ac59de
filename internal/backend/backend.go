// Package backend abstracts the provisioning protocols of the server
// fleet behind a single Provisioner interface. Implementations register
// themselves under the server type tag, mirroring how servers are stored.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"keygate/internal/model"
)

// KeyInfo is what every backend hands back for a freshly created key.
type KeyInfo struct {
	ID        int
	AccessURL string
}

type Provisioner interface {
	CreateKey(ctx context.Context, server *model.Server) (*KeyInfo, error)
	RemoveKey(ctx context.Context, server *model.Server, keyID int) error
}

// Options are passed to every factory at resolution time.
type Options struct {
	Timeout time.Duration
	Rand    *rand.Rand
}

type Factory func(Options) Provisioner

var registry = make(map[string]Factory)

func Register(name string, factory Factory) {
	registry[name] = factory
}

func Get(name string, opts Options) (Provisioner, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend plugin '%s' not found", name)
	}
	return factory(opts), nil
}

// Soft failure classes the coordinator and sweepers branch on. Anything
// else coming out of a Provisioner is a hard failure.
var (
	// ErrTimeout: the backend did not answer in time. Fatal on create
	// (nothing exists yet to reconcile), retryable on remove.
	ErrTimeout = errors.New("backend timed out")

	// ErrNotFound: the key is already gone on the backend side.
	ErrNotFound = errors.New("key not found on backend")
)
