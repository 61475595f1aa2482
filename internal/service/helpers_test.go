package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/client/xuitest"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/db"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

type fixture struct {
	ctx      context.Context
	cfg      *config.Config
	store    *repository.GormStore
	xui      *client.XUIClient
	cache    *memoryCache
	upserter *ClientUpserter
	links    *LinkService
	sync     *SyncService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := "file:" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	gdb, err := db.OpenSQLite(dsn)
	require.NoError(t, err)

	store := repository.NewGormStore(gdb)
	require.NoError(t, store.InitSchema(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		Panel: config.PanelConfig{DefaultInboundID: 443, Timeout: 5 * time.Second},
		Subscription: config.SubscriptionConfig{
			FallbackDays: 30,
			CacheTTL:     time.Minute,
		},
	}

	f := &fixture{
		ctx:      context.Background(),
		cfg:      cfg,
		store:    store,
		xui:      client.NewXUIClient(cfg.Panel.Timeout, false),
		cache:    newMemoryCache(),
		upserter: NewClientUpserter(cfg.Panel.DefaultInboundID),
	}
	f.links = NewLinkService(cfg, store, f.xui, f.cache)
	f.sync = NewSyncService(cfg, store, f.xui, f.upserter, f.links, nil)
	return f
}

// addHost starts a fake panel with one reality inbound and registers it
func (f *fixture) addHost(t *testing.T, name string, inboundID int) *xuitest.Panel {
	t.Helper()

	panel := xuitest.New(t)
	panel.AddRealityInbound(inboundID, 443)
	require.NoError(t, f.store.SaveHost(f.ctx, &models.Host{
		Name:      name,
		URL:       panel.URL(),
		Username:  panel.Username,
		Password:  panel.Password,
		InboundID: inboundID,
	}))
	return panel
}

func (f *fixture) addKey(t *testing.T, key *models.Key) *models.Key {
	t.Helper()
	require.NoError(t, f.store.CreateKey(f.ctx, key))
	return key
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, token string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.entries[token]
	return body, ok, nil
}

func (c *memoryCache) Set(_ context.Context, token, body string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = body
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
	return nil
}

func (c *memoryCache) Close() {}

func (c *memoryCache) has(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[token]
	return ok
}
