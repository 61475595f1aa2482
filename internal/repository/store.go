package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the local database the reconciliation core reads hosts and keys
// from and records key-host linkage into
type Store interface {
	GetHost(ctx context.Context, name string) (*models.Host, error)
	// GetAllHosts returns hosts in registration order
	GetAllHosts(ctx context.Context) ([]*models.Host, error)

	GetKeyByID(ctx context.Context, id int64) (*models.Key, error)
	GetKeyByEmail(ctx context.Context, email string) (*models.Key, error)
	GetKeyBySubscriptionToken(ctx context.Context, token string) (*models.Key, error)
	GetAllKeysWithSubscriptionToken(ctx context.Context) ([]*models.Key, error)
	// UpdateKeySubscription stores the expiry and token a provisioning pass settled on.
	// An empty token leaves the stored one untouched.
	UpdateKeySubscription(ctx context.Context, keyID int64, expiry time.Time, token string) error

	// GetSetting returns "" when the setting is absent
	GetSetting(ctx context.Context, key string) (string, error)

	// GetKeyHosts returns the newest linkage row per host for a key
	GetKeyHosts(ctx context.Context, keyID int64) ([]*models.KeyHost, error)
	AddKeyHost(ctx context.Context, kh *models.KeyHost) error
	DeleteKeyHosts(ctx context.Context, keyID int64) (int64, error)

	LogAction(ctx context.Context, entry *models.SyncLog) error
	GetSyncLogs(ctx context.Context, keyID int64, limit int) ([]*models.SyncLog, error)

	Close() error
}

// latestPerHost keeps the last row seen for each host. rows must be ordered
// oldest first; output keeps the order in which hosts first appear.
func latestPerHost(rows []*models.KeyHost) []*models.KeyHost {
	index := make(map[string]int, len(rows))
	var out []*models.KeyHost
	for _, row := range rows {
		if i, ok := index[row.HostName]; ok {
			out[i] = row
			continue
		}
		index[row.HostName] = len(out)
		out = append(out, row)
	}
	return out
}
