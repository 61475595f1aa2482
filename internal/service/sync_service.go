package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

// ErrNoHostsRegistered distinguishes "nothing to provision on" from "every host failed"
var ErrNoHostsRegistered = errors.New("no hosts registered")

// SyncService fans subscriptions out across every registered panel
type SyncService struct {
	cfg      *config.Config
	store    repository.Store
	xui      *client.XUIClient
	upserter *ClientUpserter
	links    *LinkService
	notifier *client.BotNotifier

	now func() time.Time
}

// NewSyncService creates a new sync service. notifier may be nil.
func NewSyncService(
	cfg *config.Config,
	store repository.Store,
	xui *client.XUIClient,
	upserter *ClientUpserter,
	links *LinkService,
	notifier *client.BotNotifier,
) *SyncService {
	return &SyncService{
		cfg:      cfg,
		store:    store,
		xui:      xui,
		upserter: upserter,
		links:    links,
		notifier: notifier,
		now:      time.Now,
	}
}

func (s *SyncService) validate(email string, req models.ExpiryRequest) error {
	if req.IsZero() {
		return ErrExpiryUnspecified
	}
	if _, err := s.upserter.ClientEmail(email, s.cfg.Panel.DefaultInboundID); err != nil {
		return err
	}
	return nil
}

// ProvisionOnHost creates or extends the client for email on one host.
// A nil result always comes with an error.
func (s *SyncService) ProvisionOnHost(ctx context.Context, hostName, email string, req models.ExpiryRequest) (*models.HostResult, error) {
	if err := s.validate(email, req); err != nil {
		return nil, err
	}

	host, err := s.store.GetHost(ctx, hostName)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostName, err)
	}
	return s.provisionOnHost(ctx, host, email, req, nil)
}

func (s *SyncService) provisionOnHost(ctx context.Context, host *models.Host, email string, req models.ExpiryRequest, keyID *int64) (*models.HostResult, error) {
	logger := logrus.WithFields(logrus.Fields{"host": host.Name, "email": email})

	fail := func(err error) (*models.HostResult, error) {
		logger.Errorf("[SyncService] Provisioning failed: %v", err)
		s.logAction(ctx, keyID, host.Name, models.ActionClientFailed, models.StatusFailed, err.Error(), nil)
		return nil, err
	}

	if err := host.Validate(); err != nil {
		return fail(fmt.Errorf("host %s misconfigured: %w", host.Name, err))
	}

	session, inbound, err := s.xui.OpenSession(ctx, host.URL, host.Username, host.Password, host.InboundID)
	if err != nil {
		return fail(fmt.Errorf("open session on %s: %w", host.Name, err))
	}

	res, err := s.upserter.Upsert(ctx, session, inbound, email, req)
	if err != nil {
		return fail(fmt.Errorf("upsert on %s: %w", host.Name, err))
	}

	result := &models.HostResult{
		HostName:          host.Name,
		ClientID:          res.ClientID,
		Email:             res.Email,
		ExpiryTimestampMs: res.ExpiryTime.UnixMilli(),
		ExpiresIn:         humanize.RelTime(res.ExpiryTime, s.now(), "ago", "from now"),
		ConnectionString:  s.links.buildLinkURL(ctx, res.ClientID, host, res.SubscriptionToken),
		SubscriptionToken: res.SubscriptionToken,
	}

	metadata := map[string]interface{}{
		"client_id":  res.ClientID,
		"created":    res.Created,
		"expiry":     res.ExpiryTime.UTC().Format(time.RFC3339),
		"inbound_id": inbound.ID,
	}
	if len(res.Warnings) > 0 {
		metadata["warnings"] = res.Warnings
	}
	s.logAction(ctx, keyID, host.Name, models.ActionClientUpserted, models.StatusSuccess, "client upserted", metadata)

	return result, nil
}

// ProvisionAllHosts upserts the client on every registered host, one host at
// a time in registration order. Failed hosts are logged and left out of the
// result; all hosts failing yields an empty slice and no error.
func (s *SyncService) ProvisionAllHosts(ctx context.Context, email string, req models.ExpiryRequest) ([]*models.HostResult, error) {
	return s.provisionAllHosts(ctx, email, req, nil)
}

func (s *SyncService) provisionAllHosts(ctx context.Context, email string, req models.ExpiryRequest, keyID *int64) ([]*models.HostResult, error) {
	if err := s.validate(email, req); err != nil {
		return nil, err
	}

	hosts, err := s.store.GetAllHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get hosts: %w", err)
	}
	if len(hosts) == 0 {
		return nil, ErrNoHostsRegistered
	}

	results := make([]*models.HostResult, 0, len(hosts))
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.provisionOnHost(ctx, host, email, req, keyID)
		if err != nil {
			continue
		}
		results = append(results, res)
	}

	logrus.WithField("email", email).Infof("[SyncService] Provisioned on %d/%d hosts", len(results), len(hosts))
	return results, nil
}

// ProvisionKey fans a key out to every host, records the key-host links and
// tells the bot. email defaults to the key's own.
func (s *SyncService) ProvisionKey(ctx context.Context, keyID int64, email string, req models.ExpiryRequest) (*models.ProvisionResponse, error) {
	key, err := s.store.GetKeyByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("get key %d: %w", keyID, err)
	}
	if email == "" {
		email = key.Email
	}

	results, err := s.provisionAllHosts(ctx, email, req, &keyID)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if err := s.store.AddKeyHost(ctx, &models.KeyHost{
			KeyID:    keyID,
			HostName: r.HostName,
			ClientID: r.ClientID,
			Email:    r.Email,
		}); err != nil {
			logrus.WithFields(logrus.Fields{"key_id": keyID, "host": r.HostName}).
				Errorf("[SyncService] Failed to record key host: %v", err)
		}
	}

	if len(results) > 0 {
		token := key.SubscriptionToken
		if token == "" {
			token = results[0].SubscriptionToken
		}
		expiry := time.UnixMilli(results[0].ExpiryTimestampMs)
		if err := s.store.UpdateKeySubscription(ctx, keyID, expiry, token); err != nil {
			logrus.WithField("key_id", keyID).Errorf("[SyncService] Failed to update key: %v", err)
		}
		s.links.InvalidateSubscription(ctx, token)
	}

	if s.notifier.Enabled() {
		if err := s.notifier.NotifyProvisioned(ctx, &models.ProvisionCallback{
			KeyID:   keyID,
			Email:   email,
			Results: results,
		}); err != nil {
			logrus.WithField("key_id", keyID).Warnf("[SyncService] Failed to notify bot: %v", err)
		}
	}

	return &models.ProvisionResponse{
		KeyID:   keyID,
		Results: results,
		Message: fmt.Sprintf("provisioned on %d hosts", len(results)),
	}, nil
}

// SyncExistingKeysToHost brings a newly added host up to date with every
// unified key, replicating each key's stored expiry exactly. Keys without a
// stored expiry get the configured fallback. Returns how many keys synced.
func (s *SyncService) SyncExistingKeysToHost(ctx context.Context, hostName string) (int, error) {
	host, err := s.store.GetHost(ctx, hostName)
	if err != nil {
		return 0, fmt.Errorf("get host %s: %w", hostName, err)
	}

	keys, err := s.store.GetAllKeysWithSubscriptionToken(ctx)
	if err != nil {
		return 0, fmt.Errorf("get keys: %w", err)
	}

	synced := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if key.Email == "" {
			continue
		}
		logger := logrus.WithFields(logrus.Fields{"key_id": key.ID, "host": host.Name})

		target := s.now().Add(time.Duration(s.cfg.Subscription.FallbackDays) * 24 * time.Hour)
		if key.ExpiryDate != nil {
			target = *key.ExpiryDate
		}

		keyID := key.ID
		res, err := s.provisionOnHost(ctx, host, key.Email, models.ExpireAt(target), &keyID)
		if err != nil {
			logger.Warnf("[SyncService] Key not synced: %v", err)
			continue
		}

		if err := s.store.AddKeyHost(ctx, &models.KeyHost{
			KeyID:    key.ID,
			HostName: host.Name,
			ClientID: res.ClientID,
			Email:    res.Email,
		}); err != nil {
			logger.Errorf("[SyncService] Failed to record key host: %v", err)
			continue
		}
		s.links.InvalidateSubscription(ctx, key.SubscriptionToken)
		synced++
	}

	s.logAction(ctx, nil, host.Name, models.ActionHostSynced, models.StatusSuccess,
		fmt.Sprintf("synced %d/%d keys", synced, len(keys)), nil)
	logrus.WithField("host", host.Name).Infof("[SyncService] Synced %d/%d keys", synced, len(keys))
	return synced, nil
}

// DeleteClientOnHost removes the client of the key registered under email
// from one host. A missing key or client counts as done and reports false.
func (s *SyncService) DeleteClientOnHost(ctx context.Context, hostName, email string) (bool, error) {
	host, err := s.store.GetHost(ctx, hostName)
	if err != nil {
		return false, fmt.Errorf("get host %s: %w", hostName, err)
	}

	key, err := s.store.GetKeyByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		logrus.WithFields(logrus.Fields{"host": hostName, "email": email}).
			Warn("[SyncService] No key for email, nothing to delete")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get key: %w", err)
	}

	clientID := ""
	if key.HostName == host.Name {
		clientID = key.ClientID
	}
	rows, err := s.store.GetKeyHosts(ctx, key.ID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key_id": key.ID, "host": host.Name}).
			Warnf("[SyncService] Failed to read key hosts, using key's own client id: %v", err)
	}
	for _, row := range rows {
		if row.HostName == host.Name {
			clientID = row.ClientID
		}
	}

	keyID := key.ID
	return s.deleteClient(ctx, host, clientID, key.Email, &keyID)
}

// RemoveKey deletes the key's clients from every linked host, best effort,
// then drops all of its key-host rows. Returns how many clients were deleted.
func (s *SyncService) RemoveKey(ctx context.Context, keyID int64) (int, error) {
	key, err := s.store.GetKeyByID(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("get key %d: %w", keyID, err)
	}

	rows, err := s.store.GetKeyHosts(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("get key hosts: %w", err)
	}
	if len(rows) == 0 && key.HostName != "" {
		rows = append(rows, &models.KeyHost{KeyID: keyID, HostName: key.HostName, ClientID: key.ClientID, Email: key.Email})
	}

	removed := 0
	for _, row := range rows {
		host, err := s.store.GetHost(ctx, row.HostName)
		if err != nil {
			logrus.WithFields(logrus.Fields{"key_id": keyID, "host": row.HostName}).
				Warnf("[SyncService] Skipping host: %v", err)
			continue
		}
		deleted, err := s.deleteClient(ctx, host, row.ClientID, key.Email, &keyID)
		if err == nil && deleted {
			removed++
		}
	}

	n, err := s.store.DeleteKeyHosts(ctx, keyID)
	if err != nil {
		return removed, fmt.Errorf("delete key hosts: %w", err)
	}
	s.links.InvalidateSubscription(ctx, key.SubscriptionToken)

	s.logAction(ctx, &keyID, "", models.ActionKeyHostsRemoved, models.StatusSuccess,
		fmt.Sprintf("removed %d clients, %d key host rows", removed, n), nil)
	return removed, nil
}

// deleteClient matches by client id, then by the inbound-specific email
func (s *SyncService) deleteClient(ctx context.Context, host *models.Host, clientID, email string, keyID *int64) (bool, error) {
	logger := logrus.WithFields(logrus.Fields{"host": host.Name, "email": email})

	session, inbound, err := s.xui.OpenSession(ctx, host.URL, host.Username, host.Password, host.InboundID)
	if err != nil {
		logger.Errorf("[SyncService] Delete failed: %v", err)
		s.logAction(ctx, keyID, host.Name, models.ActionClientDeleted, models.StatusFailed, err.Error(), nil)
		return false, fmt.Errorf("open session on %s: %w", host.Name, err)
	}

	records, err := inbound.ClientRecords()
	if err != nil {
		return false, fmt.Errorf("read clients on %s: %w", host.Name, err)
	}

	panelEmail := email
	if rewritten, err := s.upserter.ClientEmail(email, inbound.ID); err == nil {
		panelEmail = rewritten
	}
	rec := client.FindClient(records, clientID, panelEmail)
	if rec == nil {
		logger.Warn("[SyncService] Client not on panel, possibly already deleted")
		s.logAction(ctx, keyID, host.Name, models.ActionClientDeleted, models.StatusSkipped, "client not found", nil)
		return false, nil
	}

	if err := session.DeleteClient(ctx, inbound.ID, rec.ID()); err != nil {
		logger.Errorf("[SyncService] Delete failed: %v", err)
		s.logAction(ctx, keyID, host.Name, models.ActionClientDeleted, models.StatusFailed, err.Error(), nil)
		return false, fmt.Errorf("delete client on %s: %w", host.Name, err)
	}

	logger.Infof("[SyncService] Client %s deleted", rec.ID())
	s.logAction(ctx, keyID, host.Name, models.ActionClientDeleted, models.StatusSuccess, "client deleted",
		map[string]interface{}{"client_id": rec.ID()})
	return true, nil
}

func (s *SyncService) logAction(ctx context.Context, keyID *int64, hostName, action, status, message string, metadata map[string]interface{}) {
	err := s.store.LogAction(ctx, &models.SyncLog{
		KeyID:    keyID,
		HostName: hostName,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	})
	if err != nil {
		logrus.Warnf("[SyncService] Failed to write sync log: %v", err)
	}
}
