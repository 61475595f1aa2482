package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/client/xuitest"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

var hexToken = regexp.MustCompile(`^[0-9a-f]{24}$`)

func openPanel(t *testing.T, panel *xuitest.Panel, inboundID int) (*client.Session, *client.Inbound) {
	t.Helper()
	session, inbound, err := client.NewXUIClient(5*time.Second, false).
		OpenSession(context.Background(), panel.URL(), panel.Username, panel.Password, inboundID)
	require.NoError(t, err)
	return session, inbound
}

func fixedUpserter(now time.Time) *ClientUpserter {
	u := NewClientUpserter(443)
	u.now = func() time.Time { return now }
	return u
}

func clientsWithEmail(panel *xuitest.Panel, inboundID int, email string) int {
	n := 0
	for _, c := range panel.Clients(inboundID) {
		if c.Get("email").String() == email {
			n++
		}
	}
	return n
}

func TestUpsert_CreateThenExtend(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_750_000_000_000)
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	session, inbound := openPanel(t, panel, 443)
	u := fixedUpserter(now)

	first, err := u.Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(30))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "a@b.com", first.Email)
	assert.True(t, first.ExpiryTime.Equal(now.Add(30*24*time.Hour)))
	assert.Regexp(t, hexToken, first.SubscriptionToken)
	assert.Empty(t, first.Warnings)

	second, err := u.Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(30))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, first.SubscriptionToken, second.SubscriptionToken)
	assert.True(t, second.ExpiryTime.Equal(now.Add(60*24*time.Hour)))

	assert.Equal(t, 1, clientsWithEmail(panel, 443, "a@b.com"))
	stored := panel.Clients(443)[0]
	assert.Equal(t, second.ExpiryTime.UnixMilli(), stored.Get("expiryTime").Int())
	assert.Equal(t, models.DefaultFlow, stored.Get("flow").String())
	assert.Equal(t, first.SubscriptionToken, stored.Get("subId").String())
	assert.Equal(t, 2, panel.Updates())
}

func TestUpsert_ReenablesAndDisablesAutoRenew(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_750_000_000_000)
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	panel.AddClient(443, `{"id":"keep-id","email":"a@b.com","enable":false,"reset":30,"expiryTime":1,"subscription":"legacy-token","tgId":"42"}`)
	session, inbound := openPanel(t, panel, 443)

	res, err := fixedUpserter(now).Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(5))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "keep-id", res.ClientID)
	assert.Equal(t, "legacy-token", res.SubscriptionToken)
	assert.True(t, res.ExpiryTime.Equal(now.Add(5*24*time.Hour)))

	stored := panel.Clients(443)[0]
	assert.True(t, stored.Get("enable").Bool())
	assert.Equal(t, int64(0), stored.Get("reset").Int())
	assert.Equal(t, "42", stored.Get("tgId").String())
	assert.False(t, stored.Get("subId").Exists())
}

func TestUpsert_MintsTokenForTokenlessClient(t *testing.T) {
	ctx := context.Background()
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	panel.AddClient(443, `{"id":"c1","email":"a@b.com","enable":true,"expiryTime":0}`)
	session, inbound := openPanel(t, panel, 443)

	res, err := NewClientUpserter(443).Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	assert.Regexp(t, hexToken, res.SubscriptionToken)
	assert.Equal(t, res.SubscriptionToken, panel.Clients(443)[0].Get("subId").String())

	again, err := NewClientUpserter(443).Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	assert.Equal(t, res.SubscriptionToken, again.SubscriptionToken)
}

func TestUpsert_EmailDisambiguation(t *testing.T) {
	ctx := context.Background()
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	panel.AddRealityInbound(8080, 8080)

	session, inbound := openPanel(t, panel, 8080)
	res, err := NewClientUpserter(443).Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	assert.Equal(t, "a_8080@b.com", res.Email)
	assert.Equal(t, 1, clientsWithEmail(panel, 8080, "a_8080@b.com"))

	session, inbound = openPanel(t, panel, 443)
	res, err = NewClientUpserter(443).Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(1))
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", res.Email)
	assert.Equal(t, 1, clientsWithEmail(panel, 443, "a@b.com"))
}

func TestUpsert_AutoRenewAlwaysOff(t *testing.T) {
	ctx := context.Background()
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	panel.AddClient(443, `{"id":"c1","email":"renew@b.com","reset":7}`)
	session, inbound := openPanel(t, panel, 443)
	u := NewClientUpserter(443)

	for _, email := range []string{"renew@b.com", "fresh@b.com"} {
		_, err := u.Upsert(ctx, session, inbound, email, models.ExpireAt(time.Now().Add(time.Hour)))
		require.NoError(t, err)
	}
	for _, c := range panel.Clients(443) {
		assert.Equal(t, int64(0), c.Get("reset").Int(), c.Get("email").String())
	}
}

func TestUpsert_Failures(t *testing.T) {
	ctx := context.Background()
	panel := xuitest.New(t)
	panel.AddRealityInbound(443, 443)
	session, inbound := openPanel(t, panel, 443)
	u := NewClientUpserter(443)

	_, err := u.Upsert(ctx, session, inbound, "not-an-email", models.ExtendByDays(1))
	assert.Error(t, err)

	_, err = u.Upsert(ctx, session, inbound, "a@b.com", models.ExpiryRequest{})
	assert.True(t, errors.Is(err, ErrExpiryUnspecified))

	panel.RejectUpdates(true)
	res, err := u.Upsert(ctx, session, inbound, "a@b.com", models.ExtendByDays(1))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, client.ErrPanelRejected))

	assert.Equal(t, 0, panel.Updates())
	assert.Empty(t, panel.Clients(443))
}

func TestClientEmail(t *testing.T) {
	u := NewClientUpserter(443)

	got, err := u.ClientEmail("a@b.com", 8080)
	require.NoError(t, err)
	assert.Equal(t, "a_8080@b.com", got)

	got, err = u.ClientEmail("a@b.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", got)

	for _, bad := range []string{"", "ab.com", "@b.com", "a@", "a@b@c"} {
		_, err := u.ClientEmail(bad, 8080)
		assert.Error(t, err, bad)
	}
}

func TestGenerateToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok := generateToken()
		assert.Regexp(t, hexToken, tok)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
