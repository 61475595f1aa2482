package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

// tokenBytes gives 24 hex characters
const tokenBytes = 12

// PanelSession is the part of a panel session the upserter writes through
type PanelSession interface {
	GetInbound(ctx context.Context, id int) (*client.Inbound, error)
	UpdateInbound(ctx context.Context, inbound *client.Inbound) error
}

// UpsertResult describes the client a successful upsert left on the panel
type UpsertResult struct {
	ClientID          string
	Email             string
	ExpiryTime        time.Time
	SubscriptionToken string
	Created           bool

	// Non-fatal metadata write failures
	Warnings []string
}

// ClientUpserter creates, extends or re-enables one client on one inbound
type ClientUpserter struct {
	defaultInboundID int

	now      func() time.Time
	newID    func() string
	newToken func() string
}

// NewClientUpserter creates an upserter. Clients on any inbound other than
// defaultInboundID get the inbound id folded into their email.
func NewClientUpserter(defaultInboundID int) *ClientUpserter {
	return &ClientUpserter{
		defaultInboundID: defaultInboundID,
		now:              time.Now,
		newID:            func() string { return uuid.New().String() },
		newToken:         generateToken,
	}
}

// ErrInvalidEmail is returned for emails without exactly one @ and both parts
var ErrInvalidEmail = errors.New("invalid email")

// ClientEmail returns the email a client carries on the given inbound
func (u *ClientUpserter) ClientEmail(email string, inboundID int) (string, error) {
	return clientEmail(email, inboundID, u.defaultInboundID)
}

func clientEmail(email string, inboundID, defaultInboundID int) (string, error) {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if inboundID == defaultInboundID {
		return email, nil
	}
	return fmt.Sprintf("%s_%d@%s", local, inboundID, domain), nil
}

// Upsert makes sure a live client for email exists on the inbound with the
// requested expiry and pushes the whole client list back to the panel.
// On error nothing about the client should be recorded locally.
func (u *ClientUpserter) Upsert(ctx context.Context, session PanelSession, inbound *client.Inbound, email string, req models.ExpiryRequest) (*UpsertResult, error) {
	if req.IsZero() {
		return nil, ErrExpiryUnspecified
	}

	clientEmail, err := u.ClientEmail(email, inbound.ID)
	if err != nil {
		return nil, err
	}
	logger := logrus.WithFields(logrus.Fields{"inbound": inbound.ID, "email": clientEmail})

	// The inbound handed over by the session may already be stale
	current, err := session.GetInbound(ctx, inbound.ID)
	if err != nil {
		logger.Errorf("[ClientUpserter] Failed to re-read inbound: %v", err)
		return nil, fmt.Errorf("get inbound: %w", err)
	}

	records, err := current.ClientRecords()
	if err != nil {
		logger.Errorf("[ClientUpserter] Unreadable client list: %v", err)
		return nil, fmt.Errorf("read clients: %w", err)
	}

	var existing *client.ClientRecord
	if i := client.FindClientByEmail(records, clientEmail); i >= 0 {
		existing = records[i]
	}

	expiry, err := ResolveExpiry(existing, u.now(), req)
	if err != nil {
		return nil, err
	}

	result := &UpsertResult{Email: clientEmail, ExpiryTime: expiry}

	if existing != nil {
		if err := existing.SetEnabled(true); err != nil {
			return nil, err
		}
		if err := existing.SetExpiryTime(expiry); err != nil {
			return nil, err
		}
		if err := existing.DisableAutoRenew(); err != nil {
			logger.Warnf("[ClientUpserter] Could not disable auto-renew: %v", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("disable auto-renew: %v", err))
		}

		token := existing.SubscriptionToken()
		if token == "" {
			minted := u.newToken()
			if err := existing.SetSubscriptionToken(minted); err != nil {
				logger.Warnf("[ClientUpserter] Could not store subscription token: %v", err)
				result.Warnings = append(result.Warnings, fmt.Sprintf("store subscription token: %v", err))
			} else {
				token = minted
			}
		}

		result.ClientID = existing.ID()
		result.SubscriptionToken = token
	} else {
		token := u.newToken()
		created, err := client.NewClientRecord(u.newID(), clientEmail, models.DefaultFlow, expiry, token)
		if err != nil {
			return nil, err
		}
		records = append(records, created)

		result.ClientID = created.ID()
		result.SubscriptionToken = token
		result.Created = true
	}

	if err := current.SetClientRecords(records); err != nil {
		return nil, err
	}
	if err := session.UpdateInbound(ctx, current); err != nil {
		logger.Errorf("[ClientUpserter] Failed to push client list: %v", err)
		return nil, fmt.Errorf("update inbound: %w", err)
	}

	logger.WithField("created", result.Created).
		Infof("[ClientUpserter] Client %s expires %s", result.ClientID, expiry.UTC().Format(time.RFC3339))
	return result, nil
}

// generateToken returns a random 24-character hex subscription token
func generateToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// Fallback to UUID if crypto/rand fails
		return strings.ReplaceAll(uuid.New().String(), "-", "")[:2*tokenBytes]
	}
	return hex.EncodeToString(b)
}
