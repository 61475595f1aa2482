package service

import (
	"errors"
	"time"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

var ErrExpiryUnspecified = errors.New("expiry request needs days to add or a target expiry")

// ResolveExpiry computes the expiry a client should end up with.
//
// A target expiry wins and is returned as is. Otherwise days extend a client
// whose expiry is still after now, and start from now for a missing or
// expired client. The enable flag plays no part.
func ResolveExpiry(existing *client.ClientRecord, now time.Time, req models.ExpiryRequest) (time.Time, error) {
	if req.TargetExpiry != nil {
		return *req.TargetExpiry, nil
	}
	if req.DaysToAdd == nil {
		return time.Time{}, ErrExpiryUnspecified
	}

	extension := time.Duration(*req.DaysToAdd) * 24 * time.Hour
	if existing != nil {
		if current := existing.ExpiryTime(); current.After(now) {
			return current.Add(extension), nil
		}
	}
	return now.Add(extension), nil
}
