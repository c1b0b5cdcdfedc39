// Package audit implements the tamper-evident audit trail. Events for one
// request form a hash chain: each event's previous_event_hash equals the
// prior event's event_hash, so any mutation or reordering is detectable.
// Raw prompts and responses are never stored, only their hash and length.
package audit

import (
	"encoding/json"
	"time"
)

// EventType identifies what an audit event records.
type EventType string

const (
	EventRequestStart      EventType = "ai_request_start"
	EventRequestComplete   EventType = "ai_request_complete"
	EventRequestError      EventType = "ai_request_error"
	EventCacheHit          EventType = "cache_hit"
	EventCacheStore        EventType = "cache_store"
	EventPIIDetection      EventType = "pii_detection"
	EventSSRFViolation     EventType = "ssrf_violation"
	EventSafetyViolation   EventType = "safety_violation"
	EventComplianceCheck   EventType = "compliance_check"
	EventQualityAssessment EventType = "quality_assessment"
	EventRollbackTriggered EventType = "rollback_triggered"
	EventConfigChange      EventType = "config_change"
)

// terminal reports whether the event ends its request's chain, letting the
// trail drop the per-request chain head it tracks.
func (t EventType) terminal() bool {
	return t == EventRequestComplete || t == EventRequestError
}

// ContentType says what the redacted content was.
type ContentType string

const (
	ContentPrompt   ContentType = "prompt"
	ContentResponse ContentType = "response"
	ContentMetadata ContentType = "metadata"
)

// Classification is the data sensitivity of an event.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// LawfulBasis is the GDPR processing basis recorded per event.
type LawfulBasis string

const (
	BasisConsent             LawfulBasis = "consent"
	BasisLegalObligation     LawfulBasis = "legal_obligation"
	BasisLegitimateInterests LawfulBasis = "legitimate_interests"
)

// ComplianceStatus tracks the compliance verdict attached to an event.
type ComplianceStatus string

const (
	CompliancePending   ComplianceStatus = "pending"
	ComplianceCompliant ComplianceStatus = "compliant"
	ComplianceWarning   ComplianceStatus = "warning"
	ComplianceViolation ComplianceStatus = "violation"
)

// Event is one audit record. The struct carries the known fields; Extra
// preserves fields this build does not know about, so verification of events
// written by newer builds still covers every byte that was hashed.
type Event struct {
	EventID            string            `json:"event_id"`
	Timestamp          time.Time         `json:"-"`
	EventType          EventType         `json:"event_type"`
	RequestID          string            `json:"request_id,omitempty"`
	Provider           string            `json:"provider,omitempty"`
	ModelID            string            `json:"model_id,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	ContentHash        string            `json:"content_hash,omitempty"`
	ContentLength      int               `json:"content_length,omitempty"`
	ContentType        ContentType       `json:"content_type,omitempty"`
	DataClassification Classification    `json:"data_classification,omitempty"`
	GDPRLawfulBasis    LawfulBasis       `json:"gdpr_lawful_basis,omitempty"`
	ComplianceStatus   ComplianceStatus  `json:"compliance_status,omitempty"`
	PIIDetected        bool              `json:"pii_detected,omitempty"`
	PIITypes           []string          `json:"pii_types,omitempty"`
	LatencyMs          int64             `json:"latency_ms,omitempty"`
	CostEuro           float64           `json:"cost_euro,omitempty"`
	TokensUsed         int               `json:"tokens_used,omitempty"`
	ErrorKind          string            `json:"error_kind,omitempty"`
	PreviousEventHash  string            `json:"previous_event_hash,omitempty"`
	EventHash          string            `json:"event_hash,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// Extra holds unknown fields from foreign events, keyed by their JSON
	// name, raw bytes preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// Config enumerates the recognized audit options.
type Config struct {
	EnableAuditTrail        bool
	EnableIntegrityChecking bool
	EnablePIILogging        bool
	RetentionDays           int
	ComplianceMode          string // strict or standard
	AnonymizationEnabled    bool
	MaxBufferedEvents       int
}

// DefaultConfig returns the audit defaults: trail and integrity checking on,
// PII logging off, anonymization on.
func DefaultConfig() Config {
	return Config{
		EnableAuditTrail:        true,
		EnableIntegrityChecking: true,
		EnablePIILogging:        false,
		RetentionDays:           90,
		ComplianceMode:          "standard",
		AnonymizationEnabled:    true,
		MaxBufferedEvents:       10000,
	}
}

// Filter narrows GetEvents results. Zero values mean "any".
type Filter struct {
	RequestID string
	EventType EventType
	Since     time.Time
	Until     time.Time
	Limit     int
}

// VerifyError describes one integrity failure.
type VerifyError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// VerifyResult is the outcome of VerifyIntegrity.
type VerifyResult struct {
	Valid  bool          `json:"valid"`
	Errors []VerifyError `json:"errors,omitempty"`
}
