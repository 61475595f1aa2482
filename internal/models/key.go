package models

import "time"

// Sync log action constants
const (
	ActionClientUpserted  = "client_upserted"
	ActionClientFailed    = "client_upsert_failed"
	ActionHostSynced      = "host_synced"
	ActionClientDeleted   = "client_deleted"
	ActionKeyHostsRemoved = "key_hosts_removed"
)

// Sync log status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Key is a purchased subscription (vpn_keys row).
// A key with a SubscriptionToken is a unified key spanning all hosts;
// otherwise HostName/ClientID point at the single host it lives on.
type Key struct {
	ID       int64
	UserID   int64
	HostName string
	ClientID string
	Email    string

	ExpiryDate *time.Time
	CreatedAt  time.Time

	SubscriptionToken string
}

// IsUnified reports whether the key participates in unified-subscription mode
func (k *Key) IsUnified() bool {
	return k.SubscriptionToken != ""
}

// KeyHost links a key to the client provisioned for it on one host.
// Rows are insert-only: a re-sync adds a newer row for the same host.
type KeyHost struct {
	ID        int64
	KeyID     int64
	HostName  string
	ClientID  string
	Email     string
	CreatedAt time.Time
}

// SyncLog is an audit entry for a per-host provisioning step
type SyncLog struct {
	ID        string                 `json:"id"`
	KeyID     *int64                 `json:"key_id,omitempty"`
	HostName  string                 `json:"host_name,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
