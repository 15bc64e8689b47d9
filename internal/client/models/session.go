// Package models defines client-side data models used by the portal client.
package models

import "time"

// SessionRecord is the authenticated session persisted on one device.
// It is serialized to JSON and sealed before it reaches the key-value store.
type SessionRecord struct {
	// UserID is the identity provider's subject for the signed-in user.
	UserID string `json:"user_id"`

	// Email is the address the provider reports for the user.
	Email string `json:"email"`

	// AccessToken and RefreshToken are the provider-issued credentials.
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// AbsoluteExpiry is fixed at sign-in and only moved forward by a
	// provider-confirmed token refresh.
	AbsoluteExpiry time.Time `json:"absolute_expiry"`

	// DeviceFingerprint is the fingerprint the record was sealed under.
	DeviceFingerprint string `json:"device_fingerprint"`

	// LastActivity is the time of the last recorded user interaction (UTC).
	LastActivity time.Time `json:"last_activity"`

	// CachedIdentity lets a cold start skip directory lookups.
	CachedIdentity *Identity `json:"cached_identity,omitempty"`
}

// Clone returns a deep copy of r.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CachedIdentity != nil {
		id := *r.CachedIdentity
		c.CachedIdentity = &id
	}
	return &c
}

// ProviderSession is what the identity provider reports about a live session.
type ProviderSession struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry reported by the provider.
	ExpiresAt time.Time
}
