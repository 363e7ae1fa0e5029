package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePasswordResolver resolves "onepassword:<item>" references against a
// 1Password Connect server. Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding probe tokens
//
// Each item is expected to carry a field labeled "token" holding the
// bearer token to send.
type OnePasswordResolver struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds the 1Password Connect settings.
type OnePasswordConfig struct {
	Host    string
	Token   string
	VaultID string
}

// NewOnePasswordResolver creates a resolver backed by a 1Password Connect
// server, or an error if configuration is incomplete.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "pulsewatch")

	return &OnePasswordResolver{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger.With("component", "secrets.onepassword"),
		cache:   make(map[string]string),
	}, nil
}

// Resolve looks up item by title and returns its "token" field value.
func (r *OnePasswordResolver) Resolve(_ context.Context, item string) (string, error) {
	r.mu.RLock()
	if val, ok := r.cache[item]; ok {
		r.mu.RUnlock()
		return val, nil
	}
	r.mu.RUnlock()

	items, err := r.client.GetItemsByTitle(item, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("secrets: listing 1Password items for %q: %w", item, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("secrets: no 1Password item titled %q", item)
	}

	full, err := r.client.GetItem(items[0].ID, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("secrets: fetching 1Password item %q: %w", item, err)
	}

	for _, field := range full.Fields {
		if field.Label == "token" || field.ID == "token" {
			r.mu.Lock()
			r.cache[item] = field.Value
			r.mu.Unlock()
			return field.Value, nil
		}
	}

	return "", fmt.Errorf("secrets: 1Password item %q has no token field", item)
}
