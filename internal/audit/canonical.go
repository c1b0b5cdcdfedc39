package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// timeFromMillis converts a canonical millisecond timestamp back to UTC time.
func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// The canonical serialization of an event is JSON with lexicographically
// sorted keys, no insignificant whitespace, a millisecond unix timestamp,
// and base-16 hashes. encoding/json already emits map keys sorted, so the
// canonical form is a map marshal. Unknown fields contribute their original
// bytes, which keeps hashes of events from newer builds verifiable.

// knownKeys lists every JSON key the struct fields own, so foreign-field
// extraction can tell them apart.
var knownKeys = map[string]struct{}{
	"event_id": {}, "timestamp": {}, "event_type": {}, "request_id": {},
	"provider": {}, "model_id": {}, "user_id": {}, "content_hash": {},
	"content_length": {}, "content_type": {}, "data_classification": {},
	"gdpr_lawful_basis": {}, "compliance_status": {}, "pii_detected": {},
	"pii_types": {}, "latency_ms": {}, "cost_euro": {}, "tokens_used": {},
	"error_kind": {}, "previous_event_hash": {}, "event_hash": {},
	"metadata": {},
}

// canonicalMap renders the event as the map that gets hashed and emitted.
// The event_hash field is excluded; everything else, including unknown
// fields, is included.
func canonicalMap(e *Event) map[string]any {
	m := make(map[string]any, 24)
	m["event_id"] = e.EventID
	m["timestamp"] = e.Timestamp.UnixMilli()
	m["event_type"] = string(e.EventType)
	if e.RequestID != "" {
		m["request_id"] = e.RequestID
	}
	if e.Provider != "" {
		m["provider"] = e.Provider
	}
	if e.ModelID != "" {
		m["model_id"] = e.ModelID
	}
	if e.UserID != "" {
		m["user_id"] = e.UserID
	}
	if e.ContentHash != "" {
		m["content_hash"] = e.ContentHash
	}
	if e.ContentLength != 0 {
		m["content_length"] = e.ContentLength
	}
	if e.ContentType != "" {
		m["content_type"] = string(e.ContentType)
	}
	if e.DataClassification != "" {
		m["data_classification"] = string(e.DataClassification)
	}
	if e.GDPRLawfulBasis != "" {
		m["gdpr_lawful_basis"] = string(e.GDPRLawfulBasis)
	}
	if e.ComplianceStatus != "" {
		m["compliance_status"] = string(e.ComplianceStatus)
	}
	if e.PIIDetected {
		m["pii_detected"] = true
	}
	if len(e.PIITypes) > 0 {
		m["pii_types"] = e.PIITypes
	}
	if e.LatencyMs != 0 {
		m["latency_ms"] = e.LatencyMs
	}
	if e.CostEuro != 0 {
		m["cost_euro"] = e.CostEuro
	}
	if e.TokensUsed != 0 {
		m["tokens_used"] = e.TokensUsed
	}
	if e.ErrorKind != "" {
		m["error_kind"] = e.ErrorKind
	}
	if e.PreviousEventHash != "" {
		m["previous_event_hash"] = e.PreviousEventHash
	}
	if len(e.Metadata) > 0 {
		m["metadata"] = e.Metadata
	}
	for k, raw := range e.Extra {
		m[k] = raw
	}
	return m
}

// ComputeEventHash returns the hex sha256 of the event's canonical
// serialization without event_hash.
func ComputeEventHash(e *Event) (string, error) {
	b, err := json.Marshal(canonicalMap(e))
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.EventID, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalLine renders the event, hash included, as one line of canonical
// JSON (sorted keys, no trailing newline).
func MarshalLine(e *Event) ([]byte, error) {
	m := canonicalMap(e)
	if e.EventHash != "" {
		m["event_hash"] = e.EventHash
	}
	return json.Marshal(m)
}

// ParseEvent decodes one audit line, keeping unknown fields verbatim so a
// later hash recomputation covers them.
func ParseEvent(line []byte) (*Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("parse audit line: %w", err)
	}

	var e Event
	get := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(v, dst)
	}
	if err := get("event_id", &e.EventID); err != nil {
		return nil, fmt.Errorf("event_id: %w", err)
	}
	var ms int64
	if err := get("timestamp", &ms); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	e.Timestamp = timeFromMillis(ms)
	if err := get("event_type", &e.EventType); err != nil {
		return nil, fmt.Errorf("event_type: %w", err)
	}
	if err := get("request_id", &e.RequestID); err != nil {
		return nil, err
	}
	if err := get("provider", &e.Provider); err != nil {
		return nil, err
	}
	if err := get("model_id", &e.ModelID); err != nil {
		return nil, err
	}
	if err := get("user_id", &e.UserID); err != nil {
		return nil, err
	}
	if err := get("content_hash", &e.ContentHash); err != nil {
		return nil, err
	}
	if err := get("content_length", &e.ContentLength); err != nil {
		return nil, err
	}
	if err := get("content_type", &e.ContentType); err != nil {
		return nil, err
	}
	if err := get("data_classification", &e.DataClassification); err != nil {
		return nil, err
	}
	if err := get("gdpr_lawful_basis", &e.GDPRLawfulBasis); err != nil {
		return nil, err
	}
	if err := get("compliance_status", &e.ComplianceStatus); err != nil {
		return nil, err
	}
	if err := get("pii_detected", &e.PIIDetected); err != nil {
		return nil, err
	}
	if err := get("pii_types", &e.PIITypes); err != nil {
		return nil, err
	}
	if err := get("latency_ms", &e.LatencyMs); err != nil {
		return nil, err
	}
	if err := get("cost_euro", &e.CostEuro); err != nil {
		return nil, err
	}
	if err := get("tokens_used", &e.TokensUsed); err != nil {
		return nil, err
	}
	if err := get("error_kind", &e.ErrorKind); err != nil {
		return nil, err
	}
	if err := get("previous_event_hash", &e.PreviousEventHash); err != nil {
		return nil, err
	}
	if err := get("event_hash", &e.EventHash); err != nil {
		return nil, err
	}
	if err := get("metadata", &e.Metadata); err != nil {
		return nil, err
	}

	for k, v := range raw {
		if _, known := knownKeys[k]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}
	return &e, nil
}

// sortedExtraKeys is used by tests to assert deterministic handling.
func sortedExtraKeys(e *Event) []string {
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
