package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

func TestProvisionAllHosts_PartialFailure(t *testing.T) {
	f := newFixture(t)
	p1 := f.addHost(t, "host-1", 443)
	p2 := f.addHost(t, "host-2", 443)
	p3 := f.addHost(t, "host-3", 443)
	p2.RejectLogin(true)

	results, err := f.sync.ProvisionAllHosts(f.ctx, "a@b.com", models.ExtendByDays(30))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "host-1", results[0].HostName)
	assert.Equal(t, "host-3", results[1].HostName)

	assert.Len(t, p1.Clients(443), 1)
	assert.Empty(t, p2.Clients(443))
	assert.Len(t, p3.Clients(443), 1)

	for _, r := range results {
		assert.NotEmpty(t, r.ClientID)
		assert.Equal(t, "a@b.com", r.Email)
		assert.NotEmpty(t, r.ExpiresIn)
		assert.Contains(t, r.ConnectionString, "/sub/"+r.SubscriptionToken)
	}
}

func TestProvisionAllHosts_NoHosts(t *testing.T) {
	f := newFixture(t)

	results, err := f.sync.ProvisionAllHosts(f.ctx, "a@b.com", models.ExtendByDays(30))
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, ErrNoHostsRegistered))
}

func TestProvisionAllHosts_AllFail(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "host-1", 443).RejectUpdates(true)
	f.addHost(t, "host-2", 443).Close()

	results, err := f.sync.ProvisionAllHosts(f.ctx, "a@b.com", models.ExtendByDays(30))
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestProvisionAllHosts_RejectsBadInputBeforePanelCalls(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 443)

	_, err := f.sync.ProvisionAllHosts(f.ctx, "a@b.com", models.ExpiryRequest{})
	assert.True(t, errors.Is(err, ErrExpiryUnspecified))

	_, err = f.sync.ProvisionAllHosts(f.ctx, "nope", models.ExtendByDays(1))
	assert.Error(t, err)

	assert.Equal(t, 0, panel.Logins())
}

func TestProvisionOnHost(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 8080)

	res, err := f.sync.ProvisionOnHost(f.ctx, "host-1", "a@b.com", models.ExtendByDays(3))
	require.NoError(t, err)
	assert.Equal(t, "a_8080@b.com", res.Email)
	assert.Equal(t, 1, clientsWithEmail(panel, 8080, "a_8080@b.com"))

	_, err = f.sync.ProvisionOnHost(f.ctx, "missing", "a@b.com", models.ExtendByDays(3))
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	panel.RejectUpdates(true)
	res, err = f.sync.ProvisionOnHost(f.ctx, "host-1", "a@b.com", models.ExtendByDays(3))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, client.ErrPanelRejected))
}

func TestProvisionKey(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "host-1", 443)
	f.addHost(t, "host-2", 443)
	key := f.addKey(t, &models.Key{UserID: 1, Email: gofakeit.Email()})

	var callback models.ProvisionCallback
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&callback)
	}))
	defer bot.Close()
	f.sync.notifier = client.NewBotNotifier(bot.URL, "secret")

	resp, err := f.sync.ProvisionKey(f.ctx, key.ID, "", models.ExtendByDays(30))
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, key.ID, callback.KeyID)
	assert.Len(t, callback.Results, 2)

	rows, err := f.store.GetKeyHosts(f.ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, resp.Results[0].ClientID, rows[0].ClientID)

	stored, err := f.store.GetKeyByID(f.ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExpiryDate)
	assert.Equal(t, resp.Results[0].ExpiryTimestampMs, stored.ExpiryDate.UnixMilli())
	assert.Equal(t, resp.Results[0].SubscriptionToken, stored.SubscriptionToken)

	// A re-provision adds newer rows; the latest per host wins
	_, err = f.sync.ProvisionKey(f.ctx, key.ID, "", models.ExtendByDays(30))
	require.NoError(t, err)
	rows, err = f.store.GetKeyHosts(f.ctx, key.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	logs, err := f.store.GetSyncLogs(f.ctx, key.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 4)
}

func TestSyncExistingKeysToHost(t *testing.T) {
	f := newFixture(t)
	now := time.UnixMilli(1_750_000_000_000)
	f.sync.now = func() time.Time { return now }

	expiry := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Millisecond)
	withExpiry := f.addKey(t, &models.Key{UserID: 1, Email: "one@b.com", SubscriptionToken: "tok-1", ExpiryDate: &expiry})
	noExpiry := f.addKey(t, &models.Key{UserID: 2, Email: "two@b.com", SubscriptionToken: "tok-2"})
	f.addKey(t, &models.Key{UserID: 3, Email: "plain@b.com", HostName: "old", ClientID: "x"})

	panel := f.addHost(t, "new-host", 443)
	require.NoError(t, f.cache.Set(f.ctx, "tok-1", "stale", time.Minute))

	synced, err := f.sync.SyncExistingKeysToHost(f.ctx, "new-host")
	require.NoError(t, err)
	assert.Equal(t, 2, synced)
	assert.False(t, f.cache.has("tok-1"))

	clients := panel.Clients(443)
	require.Len(t, clients, 2)
	byEmail := map[string]int64{}
	for _, c := range clients {
		byEmail[c.Get("email").String()] = c.Get("expiryTime").Int()
	}
	assert.Equal(t, expiry.UnixMilli(), byEmail["one@b.com"])
	assert.Equal(t, now.Add(30*24*time.Hour).UnixMilli(), byEmail["two@b.com"])
	assert.NotContains(t, byEmail, "plain@b.com")

	for _, k := range []*models.Key{withExpiry, noExpiry} {
		rows, err := f.store.GetKeyHosts(f.ctx, k.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "new-host", rows[0].HostName)
	}

	_, err = f.sync.SyncExistingKeysToHost(f.ctx, "missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestSyncExistingKeysToHost_HostDown(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, &models.Key{UserID: 1, Email: "one@b.com", SubscriptionToken: "tok-1"})
	f.addHost(t, "new-host", 443).Close()

	synced, err := f.sync.SyncExistingKeysToHost(f.ctx, "new-host")
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestDeleteClientOnHost(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 443)

	res, err := f.sync.ProvisionOnHost(f.ctx, "host-1", "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	f.addKey(t, &models.Key{UserID: 1, Email: "a@b.com", HostName: "host-1", ClientID: res.ClientID})

	deleted, err := f.sync.DeleteClientOnHost(f.ctx, "host-1", "a@b.com")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, panel.Clients(443))

	deleted, err = f.sync.DeleteClientOnHost(f.ctx, "host-1", "a@b.com")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = f.sync.DeleteClientOnHost(f.ctx, "host-1", "unknown@b.com")
	require.NoError(t, err)
	assert.False(t, deleted)
}

type keyHostsErrorStore struct {
	repository.Store
}

func (keyHostsErrorStore) GetKeyHosts(context.Context, int64) ([]*models.KeyHost, error) {
	return nil, errors.New("connection reset")
}

func TestDeleteClientOnHost_KeyHostsUnreadable(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 443)

	res, err := f.sync.ProvisionOnHost(f.ctx, "host-1", "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	f.addKey(t, &models.Key{UserID: 1, Email: "a@b.com", HostName: "host-1", ClientID: res.ClientID})

	hook := logrustest.NewGlobal()
	defer hook.Reset()

	svc := NewSyncService(f.cfg, keyHostsErrorStore{Store: f.store}, f.xui, f.upserter, f.links, nil)
	deleted, err := svc.DeleteClientOnHost(f.ctx, "host-1", "a@b.com")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, panel.Clients(443))

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "Failed to read key hosts") {
			warned = true
			assert.Equal(t, "host-1", e.Data["host"])
		}
	}
	assert.True(t, warned)
}

func TestRemoveKey(t *testing.T) {
	f := newFixture(t)
	p1 := f.addHost(t, "host-1", 443)
	p2 := f.addHost(t, "host-2", 8080)
	key := f.addKey(t, &models.Key{UserID: 1, Email: "a@b.com"})

	_, err := f.sync.ProvisionKey(f.ctx, key.ID, "", models.ExtendByDays(30))
	require.NoError(t, err)
	require.Len(t, p1.Clients(443), 1)
	require.Len(t, p2.Clients(8080), 1)

	stored, err := f.store.GetKeyByID(f.ctx, key.ID)
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(f.ctx, stored.SubscriptionToken, "body", time.Minute))

	removed, err := f.sync.RemoveKey(f.ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, p1.Clients(443))
	assert.Empty(t, p2.Clients(8080))
	assert.False(t, f.cache.has(stored.SubscriptionToken))

	rows, err := f.store.GetKeyHosts(f.ctx, key.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.sync.RemoveKey(f.ctx, 9999)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
