package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

// BotNotifier posts provisioning results back to the shop bot
type BotNotifier struct {
	callbackURL string
	internalKey string
	httpClient  *http.Client
}

// NewBotNotifier creates a new bot callback client. An empty callbackURL
// yields a notifier that does nothing.
func NewBotNotifier(callbackURL, internalKey string) *BotNotifier {
	return &BotNotifier{
		callbackURL: callbackURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled reports whether a callback URL is configured
func (n *BotNotifier) Enabled() bool {
	return n != nil && n.callbackURL != ""
}

// NotifyProvisioned sends the per-host results of a key provisioning pass
func (n *BotNotifier) NotifyProvisioned(ctx context.Context, callback *models.ProvisionCallback) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", n.internalKey)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("bot callback returned status %d", resp.StatusCode)
	}

	logrus.WithField("key_id", callback.KeyID).Debugf("[BotNotifier] Sent %d results", len(callback.Results))
	return nil
}
