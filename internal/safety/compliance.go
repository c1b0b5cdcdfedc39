package safety

import (
	"sync"

	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// Agreement describes what one provider's data-processing agreement covers.
type Agreement struct {
	Provider route.Provider `json:"provider"`
	// MaxClassification is the most sensitive data class the agreement covers.
	MaxClassification audit.Classification `json:"max_classification"`
	// EURegion reports whether processing stays inside the EU.
	EURegion bool `json:"eu_region"`
}

// classRank orders classifications from public to restricted.
func classRank(c audit.Classification) int {
	switch c {
	case audit.ClassPublic:
		return 0
	case audit.ClassInternal:
		return 1
	case audit.ClassConfidential:
		return 2
	case audit.ClassRestricted:
		return 3
	}
	return 0
}

// ComplianceResult is the admission verdict for one route.
type ComplianceResult struct {
	Compliant      bool                 `json:"compliant"`
	Classification audit.Classification `json:"classification"`
	Reason         string               `json:"reason,omitempty"`
}

// ComplianceValidator admits or rejects a chosen route before invocation. A
// non-compliant route short-circuits the request with compliance_violation.
type ComplianceValidator struct {
	mu         sync.RWMutex
	agreements map[route.Provider]Agreement
}

// NewComplianceValidator seeds the validator with provider agreements.
func NewComplianceValidator(agreements []Agreement) *ComplianceValidator {
	v := &ComplianceValidator{agreements: make(map[route.Provider]Agreement, len(agreements))}
	for _, a := range agreements {
		v.agreements[a.Provider] = a
	}
	return v
}

// DefaultAgreements returns the built-in agreement set: every provider covers
// internal data; only the AWS and Google families process in the EU and cover
// confidential data; restricted data needs an explicit agreement upgrade.
func DefaultAgreements() []Agreement {
	return []Agreement{
		{Provider: route.ProviderAWS, MaxClassification: audit.ClassConfidential, EURegion: true},
		{Provider: route.ProviderGoogle, MaxClassification: audit.ClassConfidential, EURegion: true},
		{Provider: route.ProviderMeta, MaxClassification: audit.ClassInternal, EURegion: false},
	}
}

// SetAgreement installs or replaces one provider's agreement.
func (v *ComplianceValidator) SetAgreement(a Agreement) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.agreements[a.Provider] = a
}

// Classify derives the data classification for a request context using the
// same deterministic rules the audit trail applies.
func Classify(ctx route.Context) audit.Classification {
	switch {
	case ctx.PII:
		return audit.ClassRestricted
	case ctx.Domain == route.DomainLegal || ctx.Domain == route.DomainMedical:
		return audit.ClassConfidential
	case ctx.Tenant != "":
		return audit.ClassInternal
	default:
		return audit.ClassPublic
	}
}

// requiresResidency reports whether the flow must stay within the EU:
// anything above internal, and any PII flow, does.
func requiresResidency(ctx route.Context, class audit.Classification) bool {
	return ctx.PII || classRank(class) >= classRank(audit.ClassConfidential)
}

// Check validates the chosen provider against the request's classification
// and residency needs.
func (v *ComplianceValidator) Check(provider route.Provider, ctx route.Context) ComplianceResult {
	class := Classify(ctx)

	v.mu.RLock()
	agreement, ok := v.agreements[provider]
	v.mu.RUnlock()

	if !ok {
		return ComplianceResult{Classification: class, Reason: "no data-processing agreement for provider " + string(provider)}
	}
	if classRank(class) > classRank(agreement.MaxClassification) {
		return ComplianceResult{
			Classification: class,
			Reason:         "agreement covers " + string(agreement.MaxClassification) + ", request is " + string(class),
		}
	}
	if requiresResidency(ctx, class) && !agreement.EURegion {
		return ComplianceResult{Classification: class, Reason: "flow requires eu residency, provider processes outside the eu"}
	}
	return ComplianceResult{Compliant: true, Classification: class}
}
