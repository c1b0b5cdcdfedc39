package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/modelplane/internal/clock"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// sinkTimeout bounds one sink write. Sink failures are reported as
// audit_sink_unavailable and never block the request path longer than this.
const sinkTimeout = 250 * time.Millisecond

// Entry is what callers hand to Log. Content and UserID arrive raw and are
// redacted before anything is stored or emitted.
type Entry struct {
	Type        EventType
	RequestID   string
	Provider    string
	ModelID     string
	Content     string
	ContentType ContentType
	UserID      string
	Tenant      string
	Domain      string
	PII         bool
	PIITypes    []string
	LatencyMs   int64
	CostEuro    float64
	TokensUsed  int
	ErrorKind   string
	Compliance  ComplianceStatus
	Metadata    map[string]string
}

// Trail is the append-only audit log with per-request hash chaining.
type Trail struct {
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger
	sink Sink
	salt []byte

	mu       sync.Mutex
	lastHash map[string]string
	events   []*Event
	sinkDown uint64
	logged   uint64
}

// TrailOption configures a Trail.
type TrailOption func(*Trail)

// WithClock overrides the trail's time source.
func WithClock(c clock.Clock) TrailOption {
	return func(t *Trail) {
		if c != nil {
			t.clk = c
		}
	}
}

// WithSink sets the emit target. The default sink writes line-delimited JSON
// to stdout.
func WithSink(s Sink) TrailOption {
	return func(t *Trail) {
		if s != nil {
			t.sink = s
		}
	}
}

// WithLogger sets the slog logger used for sink failures.
func WithLogger(l *slog.Logger) TrailOption {
	return func(t *Trail) {
		if l != nil {
			t.log = l
		}
	}
}

// WithSalt pins the HMAC pseudonymization salt. Without it a random
// per-process salt is generated, which is the documented default.
func WithSalt(salt []byte) TrailOption {
	return func(t *Trail) {
		if len(salt) > 0 {
			t.salt = salt
		}
	}
}

// NewTrail creates an audit trail with the given config.
func NewTrail(cfg Config, opts ...TrailOption) *Trail {
	if cfg.MaxBufferedEvents <= 0 {
		cfg.MaxBufferedEvents = DefaultConfig().MaxBufferedEvents
	}
	t := &Trail{
		cfg:      cfg,
		clk:      clock.Real(),
		log:      slog.Default(),
		sink:     NewWriterSink(nil),
		lastHash: make(map[string]string),
	}
	for _, o := range opts {
		o(t)
	}
	if t.salt == nil {
		t.salt = make([]byte, 32)
		if _, err := rand.Read(t.salt); err != nil {
			// crypto/rand failing is unrecoverable for pseudonym stability.
			panic(fmt.Sprintf("audit: generate salt: %v", err))
		}
	}
	return t
}

// HashContent returns the hex sha256 of content, the redacted form stored in
// events instead of the content itself.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Pseudonym returns the stable anonymized identifier for a raw user id.
// It never equals the raw id.
func (t *Trail) Pseudonym(userID string) string {
	mac := hmac.New(sha256.New, t.salt)
	mac.Write([]byte(userID))
	return "anon-" + hex.EncodeToString(mac.Sum(nil))[:16]
}

// classify applies the deterministic classification rules.
func classify(pii bool, domain, tenant string) Classification {
	switch {
	case pii:
		return ClassRestricted
	case domain == string(route.DomainLegal) || domain == string(route.DomainMedical):
		return ClassConfidential
	case tenant != "":
		return ClassInternal
	default:
		return ClassPublic
	}
}

// lawfulBasis applies the deterministic GDPR basis rules.
func lawfulBasis(pii bool, domain string) LawfulBasis {
	switch {
	case pii:
		return BasisConsent
	case domain == string(route.DomainLegal):
		return BasisLegalObligation
	default:
		return BasisLegitimateInterests
	}
}

// Log builds, chains, hashes, and emits one audit event. The returned event
// is fully stamped. A sink failure returns an audit_sink_unavailable error;
// the event is still chained and buffered so integrity survives sink
// outages.
func (t *Trail) Log(ctx context.Context, entry Entry) (*Event, error) {
	if !t.cfg.EnableAuditTrail {
		return nil, nil
	}

	e := &Event{
		EventID:    uuid.NewString(),
		Timestamp:  t.clk.Now().UTC(),
		EventType:  entry.Type,
		RequestID:  entry.RequestID,
		Provider:   entry.Provider,
		ModelID:    entry.ModelID,
		LatencyMs:  entry.LatencyMs,
		CostEuro:   entry.CostEuro,
		TokensUsed: entry.TokensUsed,
		ErrorKind:  entry.ErrorKind,
		Metadata:   entry.Metadata,
	}

	if entry.Content != "" {
		e.ContentHash = HashContent(entry.Content)
		e.ContentLength = len(entry.Content)
		e.ContentType = entry.ContentType
	}

	if entry.UserID != "" {
		if t.cfg.AnonymizationEnabled {
			e.UserID = t.Pseudonym(entry.UserID)
		} else if t.cfg.EnablePIILogging {
			e.UserID = entry.UserID
		}
	}

	e.DataClassification = classify(entry.PII, entry.Domain, entry.Tenant)
	e.GDPRLawfulBasis = lawfulBasis(entry.PII, entry.Domain)
	if entry.PII {
		e.PIIDetected = true
		e.PIITypes = entry.PIITypes
	}
	e.ComplianceStatus = entry.Compliance
	if e.ComplianceStatus == "" {
		e.ComplianceStatus = CompliancePending
	}

	t.mu.Lock()
	if e.RequestID != "" {
		e.PreviousEventHash = t.lastHash[e.RequestID]
	}
	hash, err := ComputeEventHash(e)
	if err != nil {
		t.mu.Unlock()
		return nil, route.WrapError(route.ErrInternalInvariant, err, "hash audit event")
	}
	e.EventHash = hash
	if e.RequestID != "" {
		if e.EventType.terminal() {
			delete(t.lastHash, e.RequestID)
		} else {
			t.lastHash[e.RequestID] = hash
		}
	}
	t.events = append(t.events, e)
	if len(t.events) > t.cfg.MaxBufferedEvents {
		t.events = t.events[len(t.events)-t.cfg.MaxBufferedEvents:]
	}
	t.logged++
	t.mu.Unlock()

	if err := t.emit(ctx, e); err != nil {
		t.mu.Lock()
		t.sinkDown++
		t.mu.Unlock()
		t.log.Warn("audit sink write failed", "event_id", e.EventID, "error", err)
		return e, route.WrapError(route.ErrAuditSinkUnavailable, err, "emit audit event")
	}
	return e, nil
}

func (t *Trail) emit(ctx context.Context, e *Event) error {
	line, err := MarshalLine(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	return t.sink.Write(ctx, line)
}

// GetEvents returns buffered events matching the filter, oldest first.
func (t *Trail) GetEvents(filter Filter) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Event
	for _, e := range t.events {
		if filter.RequestID != "" && e.RequestID != filter.RequestID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// VerifyIntegrity recomputes every event hash and walks the per-request
// chains. Each failure names the offending event.
func (t *Trail) VerifyIntegrity(events []*Event) VerifyResult {
	result := VerifyResult{Valid: true}
	prevByRequest := make(map[string]string)

	for i, e := range events {
		recomputed, err := ComputeEventHash(e)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, VerifyError{Index: i, EventID: e.EventID, Reason: fmt.Sprintf("canonicalize: %v", err)})
			continue
		}
		if recomputed != e.EventHash {
			result.Valid = false
			result.Errors = append(result.Errors, VerifyError{
				Index:   i,
				EventID: e.EventID,
				Reason:  fmt.Sprintf("event hash mismatch: stored %s, recomputed %s", e.EventHash, recomputed),
			})
		}
		if e.RequestID == "" {
			continue
		}
		if prev, seen := prevByRequest[e.RequestID]; seen && e.PreviousEventHash != prev {
			result.Valid = false
			result.Errors = append(result.Errors, VerifyError{
				Index:   i,
				EventID: e.EventID,
				Reason:  fmt.Sprintf("chain break for request %s: previous_event_hash %s does not match prior event hash %s", e.RequestID, e.PreviousEventHash, prev),
			})
		}
		prevByRequest[e.RequestID] = e.EventHash
	}
	return result
}

// Stats reports trail counters for health and admin queries.
func (t *Trail) Stats() (logged, buffered, sinkFailures uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logged, uint64(len(t.events)), t.sinkDown
}

// PruneBefore drops buffered events older than cutoff and asks the sink to do
// the same when it supports retention.
func (t *Trail) PruneBefore(ctx context.Context, cutoff time.Time) error {
	t.mu.Lock()
	kept := t.events[:0]
	for _, e := range t.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	t.events = kept
	t.mu.Unlock()

	if p, ok := t.sink.(Pruner); ok {
		return p.Prune(ctx, cutoff)
	}
	return nil
}

// RetentionCutoff converts the configured retention into a timestamp.
func (t *Trail) RetentionCutoff() time.Time {
	return t.clk.Now().UTC().AddDate(0, 0, -t.cfg.RetentionDays)
}

// Close flushes and closes the sink.
func (t *Trail) Close() error {
	if c, ok := t.sink.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
