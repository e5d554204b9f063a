package mtls

import "time"

// OCSPStatus is the RFC 6960 response status this responder can return.
type OCSPStatus string

const (
	OCSPGood    OCSPStatus = "good"
	OCSPRevoked OCSPStatus = "revoked"
	OCSPUnknown OCSPStatus = "unknown"
)

// OCSPResponse is a minimal RFC 6960-shaped response, supplementing C9 per
// SPEC_FULL.md (dropped by the spec.md distillation but present in
// original_source/src/security/mtls/ocsp_responder.rs).
type OCSPResponse struct {
	Serial       string
	Status       OCSPStatus
	RevokedAt    time.Time
	Reason       RevocationReason
	ProducedAt   time.Time
	ThisUpdate   time.Time
	NextUpdate   time.Time
}

// OCSPResponder answers status queries against a Store.
type OCSPResponder struct {
	store     *Store
	validFor  time.Duration
}

// NewOCSPResponder builds a responder whose answers are valid for validFor.
func NewOCSPResponder(store *Store, validFor time.Duration) *OCSPResponder {
	if validFor <= 0 {
		validFor = time.Hour
	}
	return &OCSPResponder{store: store, validFor: validFor}
}

// Query answers an OCSP request for a serial.
func (r *OCSPResponder) Query(serial string) OCSPResponse {
	now := time.Now()
	resp := OCSPResponse{Serial: serial, ProducedAt: now, ThisUpdate: now, NextUpdate: now.Add(r.validFor)}

	rec, err := r.store.Find(serial)
	if err != nil {
		resp.Status = OCSPUnknown
		return resp
	}
	switch rec.Status {
	case StatusRevoked:
		resp.Status = OCSPRevoked
		resp.RevokedAt = rec.RevokedAt
		resp.Reason = rec.RevocationReason
	case StatusActive, StatusGracePeriod:
		resp.Status = OCSPGood
	default:
		resp.Status = OCSPUnknown
	}
	return resp
}
