package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LeaseSuffix names the sidecar object that S3-style stores use to emulate
// leases: "<key>.lease".
const LeaseSuffix = ".lease"

// LeaseKey returns the sidecar key for key.
func LeaseKey(key string) string {
	return key + LeaseSuffix
}

// LeaseDocument is the sidecar payload.
type LeaseDocument struct {
	ID          string `json:"lease_id"`
	Owner       string `json:"owner,omitempty"`
	ExpiresAtMs int64  `json:"expires_at_unix_ms"`
}

// NewLeaseDocument builds a document for a lease expiring at expires.
func NewLeaseDocument(id, owner string, expires time.Time) LeaseDocument {
	return LeaseDocument{ID: id, Owner: owner, ExpiresAtMs: expires.UnixMilli()}
}

// ExpiresAt returns the expiry as a time.
func (d LeaseDocument) ExpiresAt() time.Time {
	return time.UnixMilli(d.ExpiresAtMs).UTC()
}

// Active reports whether the lease is unexpired at now.
func (d LeaseDocument) Active(now time.Time) bool {
	return d.ID != "" && now.Before(d.ExpiresAt())
}

// Encode renders the document.
func (d LeaseDocument) Encode() []byte {
	data, _ := json.Marshal(d)
	return data
}

// DecodeLeaseDocument parses a sidecar payload. An empty payload decodes to
// a released (zero) document.
func DecodeLeaseDocument(data []byte) (LeaseDocument, error) {
	var doc LeaseDocument
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return LeaseDocument{}, fmt.Errorf("storage: decode lease document: %w", err)
	}
	return doc, nil
}

// Released returns a document that marks the lease as given up: same id,
// expiry in the past.
func (d LeaseDocument) Released() LeaseDocument {
	return LeaseDocument{ID: d.ID, Owner: d.Owner, ExpiresAtMs: 0}
}

// StripETag removes the quotes object stores put around etags.
func StripETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), "\"")
}
