package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/cache"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

// ErrStorageInconsistent marks a key-host row whose host or client is gone
var ErrStorageInconsistent = errors.New("key host points at a missing host or client")

// settingDomain is the bot_settings key holding the public subscription domain
const settingDomain = "domain"

// LinkService renders connection links and subscription URLs for keys
type LinkService struct {
	cfg      *config.Config
	store    repository.Store
	xui      *client.XUIClient
	subCache cache.SubscriptionCache
}

// NewLinkService creates a new link service. subCache may be nil.
func NewLinkService(cfg *config.Config, store repository.Store, xui *client.XUIClient, subCache cache.SubscriptionCache) *LinkService {
	if subCache == nil {
		subCache = cache.Noop{}
	}
	return &LinkService{
		cfg:      cfg,
		store:    store,
		xui:      xui,
		subCache: subCache,
	}
}

// AggregateLinks renders one descriptor per host the key is linked to.
// Hosts that are unreachable, misconfigured or no longer know the client are
// skipped; only a storage failure is returned.
func (s *LinkService) AggregateLinks(ctx context.Context, keyID int64) ([]*models.ConnectionDescriptor, error) {
	rows, err := s.store.GetKeyHosts(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("get key hosts: %w", err)
	}

	links := make([]*models.ConnectionDescriptor, 0, len(rows))
	for _, row := range rows {
		if row.HostName == "" || row.ClientID == "" {
			continue
		}
		logger := logrus.WithFields(logrus.Fields{"key_id": keyID, "host": row.HostName})

		desc, err := s.describe(ctx, row)
		if err != nil {
			logger.Debugf("[LinkService] Skipping host: %v", err)
			continue
		}
		links = append(links, desc)
	}
	return links, nil
}

func (s *LinkService) describe(ctx context.Context, row *models.KeyHost) (*models.ConnectionDescriptor, error) {
	host, err := s.store.GetHost(ctx, row.HostName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: host %s", ErrStorageInconsistent, row.HostName)
	}
	if err != nil {
		return nil, err
	}

	_, inbound, err := s.xui.OpenSession(ctx, host.URL, host.Username, host.Password, host.InboundID)
	if err != nil {
		return nil, err
	}

	records, err := inbound.ClientRecords()
	if err != nil {
		return nil, err
	}
	rec := client.FindClient(records, row.ClientID, row.Email)
	if rec == nil {
		return nil, fmt.Errorf("%w: client %s", ErrStorageInconsistent, row.ClientID)
	}

	desc, ok := connectionDescriptor(host, inbound, rec.ID())
	if !ok {
		return nil, fmt.Errorf("inbound %d lacks reality parameters", inbound.ID)
	}
	return desc, nil
}

// connectionDescriptor fails closed when the inbound's reality settings are incomplete
func connectionDescriptor(host *models.Host, inbound *client.Inbound, clientID string) (*models.ConnectionDescriptor, bool) {
	reality, ok := inbound.Reality()
	if !ok {
		return nil, false
	}
	return &models.ConnectionDescriptor{
		HostName:    host.Name,
		ClientID:    clientID,
		Address:     host.Hostname(),
		Port:        inbound.Port,
		PublicKey:   reality.PublicKey,
		Fingerprint: reality.Fingerprint,
		ServerName:  reality.ServerNames[0],
		ShortID:     reality.ShortIDs[0],
		Flow:        models.DefaultFlow,
		Remark:      models.RemarkForHost(host.Name),
	}, true
}

// BuildLinkURL returns the subscription URL shown for one client on one host.
// The host's own subscription base, when set, takes precedence.
func (s *LinkService) BuildLinkURL(ctx context.Context, clientID, hostURL, hostName, token string) string {
	host := &models.Host{Name: hostName, URL: hostURL}
	if hostName != "" {
		if stored, err := s.store.GetHost(ctx, hostName); err == nil {
			host.SubscriptionURL = stored.SubscriptionURL
		}
	}
	return s.buildLinkURL(ctx, clientID, host, token)
}

func (s *LinkService) buildLinkURL(ctx context.Context, clientID string, host *models.Host, token string) string {
	if override := strings.TrimSpace(host.SubscriptionURL); override != "" {
		return subscriptionURL(override, "", "", clientID, token)
	}

	domain := s.domain(ctx)
	if domain == "" {
		domain = host.Hostname()
	}
	return subscriptionURL("", domain, models.URLScheme(host.URL), clientID, token)
}

// subscriptionURL applies the link priority: override base with the token
// substituted or appended, then scheme://domain/sub/{token}, then the
// per-client v2ray URL when there is no token
func subscriptionURL(override, domain, scheme, clientID, token string) string {
	if token != "" {
		if override != "" {
			if strings.Contains(override, "{token}") {
				return strings.ReplaceAll(override, "{token}", token)
			}
			return strings.TrimRight(override, "/") + "/" + token
		}
		return fmt.Sprintf("%s://%s/sub/%s", scheme, domain, token)
	}
	if override != "" {
		return override
	}
	return fmt.Sprintf("%s://%s/sub/%s?format=v2ray", scheme, domain, clientID)
}

// domain is the public subscription domain: the bot setting, then config
func (s *LinkService) domain(ctx context.Context) string {
	domain, err := s.store.GetSetting(ctx, settingDomain)
	if err != nil {
		logrus.Warnf("[LinkService] Failed to read domain setting: %v", err)
	}
	if domain = strings.TrimSpace(domain); domain != "" {
		return domain
	}
	return strings.TrimSpace(s.cfg.Subscription.Domain)
}

// UnifiedSubscriptionLink is the aggregator URL for a unified key, or "" when
// no domain is configured
func (s *LinkService) UnifiedSubscriptionLink(ctx context.Context, token string) string {
	domain := s.domain(ctx)
	if domain == "" || token == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/sub/%s", domain, token)
}

// KeyDetails returns the link the bot shows for a key
func (s *LinkService) KeyDetails(ctx context.Context, key *models.Key) (*models.KeyDetails, error) {
	if key.IsUnified() {
		return &models.KeyDetails{ConnectionString: s.UnifiedSubscriptionLink(ctx, key.SubscriptionToken)}, nil
	}

	if key.HostName == "" {
		return nil, fmt.Errorf("key %d has no host", key.ID)
	}
	host, err := s.store.GetHost(ctx, key.HostName)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", key.HostName, err)
	}

	_, inbound, err := s.xui.OpenSession(ctx, host.URL, host.Username, host.Password, host.InboundID)
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", host.Name, err)
	}

	var token string
	if records, err := inbound.ClientRecords(); err == nil {
		email := key.Email
		if rewritten, err := clientEmail(email, inbound.ID, s.cfg.Panel.DefaultInboundID); err == nil {
			email = rewritten
		}
		if rec := client.FindClient(records, key.ClientID, email); rec != nil {
			token = rec.AnySubscriptionToken()
		}
	}

	return &models.KeyDetails{ConnectionString: s.buildLinkURL(ctx, key.ClientID, host, token)}, nil
}

// SubscriptionBody renders the /sub/{token} payload: every link of the key,
// one per line, base64 encoded
func (s *LinkService) SubscriptionBody(ctx context.Context, token string) (string, error) {
	if body, ok, err := s.subCache.Get(ctx, token); err != nil {
		logrus.Warnf("[LinkService] Cache read failed: %v", err)
	} else if ok {
		return body, nil
	}

	key, err := s.store.GetKeyBySubscriptionToken(ctx, token)
	if err != nil {
		return "", err
	}

	links, err := s.AggregateLinks(ctx, key.ID)
	if err != nil {
		return "", err
	}

	uris := make([]string, 0, len(links))
	for _, l := range links {
		uris = append(uris, l.URI())
	}
	body := base64.StdEncoding.EncodeToString([]byte(strings.Join(uris, "\n")))

	// An empty aggregate is usually a transient panel outage
	if len(uris) > 0 && s.cfg.Subscription.CacheTTL > 0 {
		if err := s.subCache.Set(ctx, token, body, s.cfg.Subscription.CacheTTL); err != nil {
			logrus.Warnf("[LinkService] Cache write failed: %v", err)
		}
	}
	return body, nil
}

// InvalidateSubscription drops a cached subscription body
func (s *LinkService) InvalidateSubscription(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.subCache.Invalidate(ctx, token); err != nil {
		logrus.Warnf("[LinkService] Cache invalidation failed: %v", err)
	}
}
