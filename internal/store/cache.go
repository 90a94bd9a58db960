package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/valkey-io/valkey-go"
)

// Cache shares operator presence and wrap-up state across console instances
// using Valkey, so supervisors see every operator regardless of which
// instance they are connected to.
type Cache struct {
	client      valkey.Client
	presenceTTL time.Duration
}

// NewCache creates a new cache instance
func NewCache(ctx context.Context, url, password string, db int, presenceTTL time.Duration) (*Cache, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{url},
		SelectDB:    db,
	}
	if password != "" {
		opts.Password = password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Test connection
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	return &Cache{
		client:      client,
		presenceTTL: presenceTTL,
	}, nil
}

// Close closes the cache connection
func (c *Cache) Close() {
	c.client.Close()
}

// presenceKey generates the cache key for an operator's presence
func presenceKey(operator string) string {
	return fmt.Sprintf("presence:%s", operator)
}

// SetPresence records an operator's presence. The TTL lets stale entries for
// crashed consoles age out.
func (c *Cache) SetPresence(ctx context.Context, operator string, status models.PresenceStatus) error {
	return c.client.Do(ctx,
		c.client.B().Set().Key(presenceKey(operator)).Value(string(status)).Ex(c.presenceTTL).Build(),
	).Error()
}

// GetPresence retrieves an operator's last-known presence
func (c *Cache) GetPresence(ctx context.Context, operator string) (models.PresenceStatus, error) {
	result, err := c.client.Do(ctx, c.client.B().Get().Key(presenceKey(operator)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", nil // unknown operator
		}
		return "", err
	}
	return models.PresenceStatus(result), nil
}

// ListPresence returns the presence of every known operator
func (c *Cache) ListPresence(ctx context.Context) (map[string]models.PresenceStatus, error) {
	keys, err := c.client.Do(ctx, c.client.B().Keys().Pattern("presence:*").Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.PresenceStatus, len(keys))
	for _, key := range keys {
		value, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).ToString()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				continue // expired between KEYS and GET
			}
			return nil, err
		}
		out[key[len("presence:"):]] = models.PresenceStatus(value)
	}
	return out, nil
}

// wrapKey generates the cache key for the shared wrap-up snapshot
func wrapKey(agent string) string {
	return fmt.Sprintf("wrapup:%s", agent)
}

// SetWrapUp records one agent's wrap-up state
func (c *Cache) SetWrapUp(ctx context.Context, w models.WrapUpStatus) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return c.client.Do(ctx,
		c.client.B().Set().Key(wrapKey(w.Agent)).Value(string(data)).Ex(c.presenceTTL).Build(),
	).Error()
}

// GetWrapUp retrieves one agent's wrap-up state
func (c *Cache) GetWrapUp(ctx context.Context, agent string) (*models.WrapUpStatus, error) {
	result, err := c.client.Do(ctx, c.client.B().Get().Key(wrapKey(agent)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}

	var w models.WrapUpStatus
	if err := json.Unmarshal([]byte(result), &w); err != nil {
		return nil, err
	}
	return &w, nil
}
