package models

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// ==================== Internal API DTOs ====================

// ProvisionRequest is sent by the bot after a purchase, extension or trial
type ProvisionRequest struct {
	Email             string `json:"email"`
	DaysToAdd         *int   `json:"days_to_add,omitempty"`
	ExpiryTimestampMs *int64 `json:"expiry_timestamp_ms,omitempty"`
}

var errExpiryMode = errors.New("exactly one of days_to_add or expiry_timestamp_ms is required")

// Validate checks the request fields
func (r ProvisionRequest) Validate() error {
	return r.validate(true)
}

func (r ProvisionRequest) validate(emailRequired bool) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.When(emailRequired, validation.Required), is.EmailFormat),
		validation.Field(&r.DaysToAdd, validation.By(func(value interface{}) error {
			if (r.DaysToAdd == nil) == (r.ExpiryTimestampMs == nil) {
				return errExpiryMode
			}
			if r.DaysToAdd != nil && *r.DaysToAdd <= 0 {
				return errors.New("must be greater than 0")
			}
			return nil
		})),
		validation.Field(&r.ExpiryTimestampMs, validation.Min(int64(1))),
	)
}

// ExpiryRequest converts the wire fields into an ExpiryRequest
func (r ProvisionRequest) ExpiryRequest() ExpiryRequest {
	return expiryRequest(r.DaysToAdd, r.ExpiryTimestampMs)
}

// KeyProvisionRequest provisions a stored key; Email overrides the key's own
type KeyProvisionRequest struct {
	Email             string `json:"email,omitempty"`
	DaysToAdd         *int   `json:"days_to_add,omitempty"`
	ExpiryTimestampMs *int64 `json:"expiry_timestamp_ms,omitempty"`
}

// Validate checks the request fields
func (r KeyProvisionRequest) Validate() error {
	return ProvisionRequest{
		Email:             r.Email,
		DaysToAdd:         r.DaysToAdd,
		ExpiryTimestampMs: r.ExpiryTimestampMs,
	}.validate(false)
}

// ExpiryRequest converts the wire fields into an ExpiryRequest
func (r KeyProvisionRequest) ExpiryRequest() ExpiryRequest {
	return expiryRequest(r.DaysToAdd, r.ExpiryTimestampMs)
}

func expiryRequest(days *int, expiryMs *int64) ExpiryRequest {
	if expiryMs != nil {
		return ExpireAt(time.UnixMilli(*expiryMs))
	}
	if days != nil {
		return ExtendByDays(*days)
	}
	return ExpiryRequest{}
}

// HostResult is one successfully provisioned host, handed back to the bot so
// it can notify the user
type HostResult struct {
	HostName          string `json:"host_name"`
	ClientID          string `json:"client_uuid"`
	Email             string `json:"email"`
	ExpiryTimestampMs int64  `json:"expiry_timestamp_ms"`
	ExpiresIn         string `json:"expires_in"`
	ConnectionString  string `json:"connection_string"`
	SubscriptionToken string `json:"-"`
}

// ProvisionResponse is returned by the fan-out provisioning endpoints
type ProvisionResponse struct {
	KeyID   int64         `json:"key_id,omitempty"`
	Results []*HostResult `json:"results"`
	Message string        `json:"message"`
}

// SyncHostResponse is returned after retro-syncing keys to a new host
type SyncHostResponse struct {
	HostName string `json:"host_name"`
	Synced   int    `json:"synced"`
}

// KeyLinksResponse lists the per-host connection descriptors of a key
type KeyLinksResponse struct {
	KeyID int64                   `json:"key_id"`
	Links []*ConnectionDescriptor `json:"links"`
	URIs  []string                `json:"uris"`
}

// KeyDetails is what the bot shows the user for a key
type KeyDetails struct {
	ConnectionString string `json:"connection_string"`
}

// RemoveKeyResponse is returned after deleting a key's remote clients
type RemoveKeyResponse struct {
	KeyID   int64 `json:"key_id"`
	Removed int   `json:"removed"`
}

// ==================== Bot Callback DTOs ====================

// ProvisionCallback is posted to the bot when a key was provisioned
type ProvisionCallback struct {
	KeyID   int64         `json:"key_id"`
	Email   string        `json:"email"`
	Results []*HostResult `json:"results"`
}
