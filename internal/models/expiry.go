package models

import "time"

// ExpiryRequest selects how a client's expiry is computed.
// Exactly one of DaysToAdd or TargetExpiry is expected.
type ExpiryRequest struct {
	DaysToAdd    *int
	TargetExpiry *time.Time
}

// ExtendByDays builds a request that adds days to a live client or starts a fresh grant
func ExtendByDays(days int) ExpiryRequest {
	return ExpiryRequest{DaysToAdd: &days}
}

// ExpireAt builds a request that replicates an exact expiry instant
func ExpireAt(t time.Time) ExpiryRequest {
	return ExpiryRequest{TargetExpiry: &t}
}

// IsZero reports whether neither mode is set
func (r ExpiryRequest) IsZero() bool {
	return r.DaysToAdd == nil && r.TargetExpiry == nil
}
