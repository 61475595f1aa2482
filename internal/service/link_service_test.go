package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client/xuitest"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

func TestSubscriptionURL(t *testing.T) {
	cases := []struct {
		name     string
		override string
		domain   string
		scheme   string
		clientID string
		token    string
		want     string
	}{
		{"placeholder", "https://cdn.example/{token}", "", "", "c1", "abc123", "https://cdn.example/abc123"},
		{"append", "https://cdn.example", "", "", "c1", "abc123", "https://cdn.example/abc123"},
		{"append trailing slash", "https://cdn.example/sub/", "", "", "c1", "abc123", "https://cdn.example/sub/abc123"},
		{"domain with token", "", "vpn.example", "https", "c1", "abc123", "https://vpn.example/sub/abc123"},
		{"override without token", "https://cdn.example/{token}", "", "", "c1", "", "https://cdn.example/{token}"},
		{"v2ray fallback", "", "vpn.example", "http", "c1", "", "http://vpn.example/sub/c1?format=v2ray"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, subscriptionURL(tc.override, tc.domain, tc.scheme, tc.clientID, tc.token))
		})
	}
}

func TestBuildLinkURL_DomainPrecedence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveHost(f.ctx, &models.Host{
		Name: "cdn", URL: "https://panel.one:2053", Username: "u", Password: "p", InboundID: 443,
		SubscriptionURL: "https://cdn.example/{token}",
	}))

	assert.Equal(t, "http://panel.two/sub/abc123",
		f.links.BuildLinkURL(f.ctx, "c1", "http://panel.two:2053", "plain", "abc123"))
	assert.Equal(t, "https://panel.two/sub/c1?format=v2ray",
		f.links.BuildLinkURL(f.ctx, "c1", "ftp://panel.two", "plain", ""))

	f.cfg.Subscription.Domain = "config.example"
	assert.Equal(t, "http://config.example/sub/abc123",
		f.links.BuildLinkURL(f.ctx, "c1", "http://panel.two:2053", "plain", "abc123"))

	require.NoError(t, f.store.SetSetting(f.ctx, "domain", " setting.example "))
	assert.Equal(t, "https://setting.example/sub/abc123",
		f.links.BuildLinkURL(f.ctx, "c1", "https://panel.two:2053", "plain", "abc123"))

	assert.Equal(t, "https://cdn.example/abc123",
		f.links.BuildLinkURL(f.ctx, "c1", "https://panel.one:2053", "cdn", "abc123"))
}

func TestUnifiedSubscriptionLink(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.links.UnifiedSubscriptionLink(f.ctx, "tok"))

	f.cfg.Subscription.Domain = "vpn.example"
	assert.Equal(t, "https://vpn.example/sub/tok", f.links.UnifiedSubscriptionLink(f.ctx, "tok"))
}

func provisionedKey(t *testing.T, f *fixture, email string) *models.Key {
	t.Helper()
	key := f.addKey(t, &models.Key{UserID: 1, Email: email})
	_, err := f.sync.ProvisionKey(f.ctx, key.ID, "", models.ExtendByDays(30))
	require.NoError(t, err)
	stored, err := f.store.GetKeyByID(f.ctx, key.ID)
	require.NoError(t, err)
	return stored
}

func TestAggregateLinks_SkipsUnreachableHost(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "Amsterdam 1", 443)
	down := f.addHost(t, "host-2", 443)
	key := provisionedKey(t, f, "a@b.com")
	down.Close()

	links, err := f.links.AggregateLinks(f.ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	l := links[0]
	assert.Equal(t, "Amsterdam 1", l.HostName)
	assert.Equal(t, "Amsterdam-1", l.Remark)
	assert.Equal(t, "127.0.0.1", l.Address)
	assert.Equal(t, 443, l.Port)
	assert.Equal(t, xuitest.PublicKey, l.PublicKey)
	assert.Equal(t, xuitest.ServerName, l.ServerName)
	assert.Equal(t, xuitest.ShortID, l.ShortID)

	want := fmt.Sprintf("vless://%s@127.0.0.1:443?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%%2F&flow=xtls-rprx-vision#Amsterdam-1",
		l.ClientID, xuitest.PublicKey, xuitest.Fingerprint, xuitest.ServerName, xuitest.ShortID)
	assert.Equal(t, want, l.URI())
}

func TestAggregateLinks_MatchesByEmailWhenIDChanged(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 443)
	key := f.addKey(t, &models.Key{UserID: 1, Email: "a@b.com"})
	panel.AddClient(443, `{"id":"reassigned","email":"a@b.com","enable":true}`)
	require.NoError(t, f.store.AddKeyHost(f.ctx, &models.KeyHost{KeyID: key.ID, HostName: "host-1", ClientID: "old-id", Email: "a@b.com"}))

	links, err := f.links.AggregateLinks(f.ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "reassigned", links[0].ClientID)
}

func TestAggregateLinks_SkipsInconsistentRows(t *testing.T) {
	f := newFixture(t)
	f.addHost(t, "host-1", 443)
	key := f.addKey(t, &models.Key{UserID: 1, Email: "a@b.com"})

	require.NoError(t, f.store.AddKeyHost(f.ctx, &models.KeyHost{KeyID: key.ID, HostName: "gone", ClientID: "c1", Email: "a@b.com"}))
	require.NoError(t, f.store.AddKeyHost(f.ctx, &models.KeyHost{KeyID: key.ID, HostName: "host-1", ClientID: "nobody", Email: "nobody@b.com"}))

	links, err := f.links.AggregateLinks(f.ctx, key.ID)
	require.NoError(t, err)
	assert.Empty(t, links)

	host, err := f.store.GetHost(f.ctx, "gone")
	assert.Nil(t, host)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestAggregateLinks_FailsClosedWithoutReality(t *testing.T) {
	f := newFixture(t)
	panel := xuitest.New(t)
	panel.AddInbound(443, 443, `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["a"],"shortIds":[],"settings":{"publicKey":"pk"}}}`)
	require.NoError(t, f.store.SaveHost(f.ctx, &models.Host{
		Name: "broken", URL: panel.URL(), Username: panel.Username, Password: panel.Password, InboundID: 443,
	}))
	key := provisionedKey(t, f, "a@b.com")
	require.Len(t, panel.Clients(443), 1)

	links, err := f.links.AggregateLinks(f.ctx, key.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestKeyDetails(t *testing.T) {
	f := newFixture(t)
	panel := f.addHost(t, "host-1", 443)
	f.cfg.Subscription.Domain = "vpn.example"

	details, err := f.links.KeyDetails(f.ctx, &models.Key{ID: 1, SubscriptionToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "https://vpn.example/sub/tok", details.ConnectionString)

	panel.AddClient(443, `{"id":"c1","email":"a@b.com","subscriptionId":"detail-token"}`)
	details, err = f.links.KeyDetails(f.ctx, &models.Key{ID: 2, HostName: "host-1", ClientID: "c1", Email: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "http://vpn.example/sub/detail-token", details.ConnectionString)

	details, err = f.links.KeyDetails(f.ctx, &models.Key{ID: 3, HostName: "host-1", ClientID: "c9", Email: "z@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "http://vpn.example/sub/c9?format=v2ray", details.ConnectionString)

	_, err = f.links.KeyDetails(f.ctx, &models.Key{ID: 4})
	assert.Error(t, err)
}

func TestSubscriptionBody(t *testing.T) {
	f := newFixture(t)
	p1 := f.addHost(t, "host-1", 443)
	f.addHost(t, "host-2", 443)
	key := provisionedKey(t, f, "a@b.com")

	body, err := f.links.SubscriptionBody(f.ctx, key.SubscriptionToken)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	lines := strings.Split(string(decoded), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "vless://"), line)
	}
	assert.True(t, f.cache.has(key.SubscriptionToken))

	// Served from cache while a panel is down
	p1.Close()
	cached, err := f.links.SubscriptionBody(f.ctx, key.SubscriptionToken)
	require.NoError(t, err)
	assert.Equal(t, body, cached)

	_, err = f.links.SubscriptionBody(f.ctx, "unknown")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
