package safety

import (
	"testing"

	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/route"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ctx  route.Context
		want audit.Classification
	}{
		{"pii wins", route.Context{PII: true, Domain: route.DomainGeneral}, audit.ClassRestricted},
		{"legal", route.Context{Domain: route.DomainLegal}, audit.ClassConfidential},
		{"medical", route.Context{Domain: route.DomainMedical}, audit.ClassConfidential},
		{"tenant", route.Context{Domain: route.DomainGeneral, Tenant: "acme"}, audit.ClassInternal},
		{"public", route.Context{Domain: route.DomainGeneral}, audit.ClassPublic},
	}
	for _, tc := range cases {
		if got := Classify(tc.ctx); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestComplianceCheckAdmits(t *testing.T) {
	v := NewComplianceValidator(DefaultAgreements())

	res := v.Check(route.ProviderAWS, route.Context{Domain: route.DomainGeneral})
	if !res.Compliant {
		t.Errorf("public flow to aws rejected: %s", res.Reason)
	}

	res = v.Check(route.ProviderGoogle, route.Context{Domain: route.DomainLegal})
	if !res.Compliant {
		t.Errorf("confidential flow to eu provider rejected: %s", res.Reason)
	}
}

func TestComplianceCheckClassificationCeiling(t *testing.T) {
	v := NewComplianceValidator(DefaultAgreements())

	// Meta's agreement stops at internal: legal traffic must not route there.
	res := v.Check(route.ProviderMeta, route.Context{Domain: route.DomainLegal})
	if res.Compliant {
		t.Fatal("confidential flow admitted against an internal-only agreement")
	}
	if res.Classification != audit.ClassConfidential {
		t.Errorf("classification = %s, want confidential", res.Classification)
	}
}

func TestComplianceCheckResidency(t *testing.T) {
	v := NewComplianceValidator([]Agreement{
		{Provider: route.ProviderMeta, MaxClassification: audit.ClassRestricted, EURegion: false},
	})

	// The agreement covers the class but processing leaves the EU.
	res := v.Check(route.ProviderMeta, route.Context{Domain: route.DomainGeneral, PII: true})
	if res.Compliant {
		t.Fatal("pii flow admitted to a non-eu provider")
	}
}

func TestComplianceCheckUnknownProvider(t *testing.T) {
	v := NewComplianceValidator(nil)
	res := v.Check(route.ProviderAWS, route.Context{Domain: route.DomainGeneral})
	if res.Compliant {
		t.Fatal("provider without an agreement admitted")
	}
}

func TestSetAgreementUpgrade(t *testing.T) {
	v := NewComplianceValidator(DefaultAgreements())
	v.SetAgreement(Agreement{Provider: route.ProviderMeta, MaxClassification: audit.ClassRestricted, EURegion: true})

	res := v.Check(route.ProviderMeta, route.Context{PII: true})
	if !res.Compliant {
		t.Errorf("upgraded agreement still rejected: %s", res.Reason)
	}
}
