// Package configstore publishes the per-key JSON connect file clients
// fetch by opaque name. Stores plug in through the same factory registry
// the backend package uses.
package configstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

type Store interface {
	Put(ctx context.Context, name string, payload []byte) error
	Delete(ctx context.Context, name string) error

	// Link renders the ssconf:// URL a client uses to fetch the file.
	Link(name string) string
}

type Factory func(params map[string]interface{}) (Store, error)

var registry = make(map[string]Factory)

func Register(name string, factory Factory) {
	registry[name] = factory
}

func Get(name string, params map[string]interface{}) (Store, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("config store plugin '%s' not found", name)
	}
	return factory(params)
}

// ConnectConfig is the artifact shape clients consume.
type ConnectConfig struct {
	Server     string `json:"server"`
	ServerPort string `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Prefix     string `json:"prefix,omitempty"`
}

// ParseAccessURL dissects an ss:// access URL into its connect fields.
// The userinfo section is base64 "method:password", possibly unpadded.
func ParseAccessURL(accessURL string) (*ConnectConfig, error) {
	if !strings.HasPrefix(accessURL, "ss://") {
		return nil, fmt.Errorf("not an ss:// access url: %q", accessURL)
	}

	authority := strings.SplitN(accessURL[5:], "/", 2)[0]
	parts := strings.SplitN(authority, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("access url has no userinfo section: %q", accessURL)
	}

	hostPort := strings.SplitN(parts[1], ":", 2)
	if len(hostPort) != 2 {
		return nil, fmt.Errorf("access url has no port: %q", accessURL)
	}
	port := hostPort[1]
	if idx := strings.IndexByte(port, '?'); idx >= 0 {
		port = port[:idx]
	}

	decoded, err := base64.StdEncoding.DecodeString(pad(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("decoding access url secret: %w", err)
	}
	secret := strings.SplitN(string(decoded), ":", 2)
	if len(secret) != 2 {
		return nil, fmt.Errorf("malformed access url secret")
	}

	return &ConnectConfig{
		Server:     hostPort[0],
		ServerPort: port,
		Password:   secret[1],
		Method:     secret[0],
	}, nil
}

func (c *ConnectConfig) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func pad(s string) string {
	if n := len(s) % 4; n != 0 {
		return s + strings.Repeat("=", 4-n)
	}
	return s
}

const fileNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomFileName mints the 64-character opaque name an artifact lives
// under. Crypto randomness: the name is the only thing protecting the
// file from enumeration.
func RandomFileName() (string, error) {
	var b strings.Builder
	for i := 0; i < 64; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(fileNameAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generating file name: %w", err)
		}
		b.WriteByte(fileNameAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
