// Package cache stores rendered subscription bodies between panel fetches.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const connectTimeout = 5 * time.Second

// SubscriptionCache holds /sub/{token} bodies by token
type SubscriptionCache interface {
	// Get returns ok=false on a miss
	Get(ctx context.Context, token string) (body string, ok bool, err error)
	Set(ctx context.Context, token, body string, ttl time.Duration) error
	Invalidate(ctx context.Context, token string) error
	Close()
}

// Config holds the Valkey connection settings
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// ValkeyCache is a SubscriptionCache backed by Valkey
type ValkeyCache struct {
	inner  valkeylib.Client
	prefix string
}

// NewValkeyCache connects to Valkey and pings it
func NewValkeyCache(cfg Config) (*ValkeyCache, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping valkey (timeout: %v): %w", connectTimeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &ValkeyCache{inner: inner, prefix: prefix + "sub:"}, nil
}

func (c *ValkeyCache) key(token string) string {
	return c.prefix + token
}

func (c *ValkeyCache) Get(ctx context.Context, token string) (string, bool, error) {
	body, err := c.inner.Do(ctx, c.inner.B().Get().Key(c.key(token)).Build()).ToString()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get subscription body: %w", err)
	}
	return body, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, token, body string, ttl time.Duration) error {
	cmd := c.inner.B().Set().
		Key(c.key(token)).
		Value(body).
		Ex(ttl).
		Build()

	if err := c.inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("save subscription body: %w", err)
	}
	return nil
}

func (c *ValkeyCache) Invalidate(ctx context.Context, token string) error {
	if err := c.inner.Do(ctx, c.inner.B().Del().Key(c.key(token)).Build()).Error(); err != nil {
		return fmt.Errorf("delete subscription body: %w", err)
	}
	return nil
}

func (c *ValkeyCache) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Noop never stores anything; used when Valkey is not configured
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool, error)        { return "", false, nil }
func (Noop) Set(context.Context, string, string, time.Duration) error { return nil }
func (Noop) Invalidate(context.Context, string) error                 { return nil }
func (Noop) Close()                                                   {}
