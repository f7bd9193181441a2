package hipaa

import (
	"fmt"

	"github.com/spf13/viper"
)

// RecordFields groups the classified fields of one record type.
type RecordFields struct {
	RecordType string
	Public     []string
	PII        []string
	PHI        []string
}

// DefaultClassifications returns the built-in field classification for the
// core record types. PII covers the Safe Harbor identifiers (45 CFR
// 164.514(b)(2)) that name or locate a person; PHI covers identifiers tied to
// health information and the clinical content itself. Fields not listed here
// fall back to INTERNAL.
func DefaultClassifications() []RecordFields {
	return []RecordFields{
		{
			RecordType: "client",
			Public:     []string{"id", "status"},
			PII: []string{
				"first_name",
				"last_name",
				"email",
				"phone",
				"address",
				"postal_code",
			},
			PHI: []string{
				"ssn",
				"date_of_birth",
				"medical_record_number",
				"insurance_member_id",
				"diagnosis",
				"medications",
			},
		},
		{
			RecordType: "case_note",
			Public:     []string{"id"},
			PHI: []string{
				"body",
				"summary",
				"diagnosis",
				"attachments",
			},
		},
		{
			RecordType: "care_plan",
			Public:     []string{"id", "status"},
			PII:        []string{"emergency_contact"},
			PHI: []string{
				"goals",
				"interventions",
				"diagnosis",
				"medications",
			},
		},
		{
			RecordType: "worker",
			Public:     []string{"id", "display_name", "role"},
			PII: []string{
				"email",
				"phone",
				"address",
				"license_number",
			},
		},
	}
}

// Flatten expands the grouped classification into individual fields.
func (rf RecordFields) Flatten() []ClassifiedField {
	out := make([]ClassifiedField, 0, len(rf.Public)+len(rf.PII)+len(rf.PHI))
	for _, f := range rf.Public {
		out = append(out, ClassifiedField{RecordType: rf.RecordType, Field: f, Tier: TierPublic})
	}
	for _, f := range rf.PII {
		out = append(out, ClassifiedField{RecordType: rf.RecordType, Field: f, Tier: TierPII})
	}
	for _, f := range rf.PHI {
		out = append(out, ClassifiedField{RecordType: rf.RecordType, Field: f, Tier: TierPHI})
	}
	return out
}

// NewDefaultRegistryBuilder returns a builder preloaded with DefaultClassifications.
func NewDefaultRegistryBuilder() *RegistryBuilder {
	b := NewRegistryBuilder()
	for _, rf := range DefaultClassifications() {
		// The defaults never conflict with themselves.
		_ = b.RegisterAll(rf.Flatten())
	}
	return b
}

// LoadClassificationFile reads extra registrations from a YAML, JSON or TOML
// file of the form:
//
//	classifications:
//	  - record_type: client
//	    field: pronouns
//	    tier: PII
func LoadClassificationFile(path string) ([]ClassifiedField, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read classification file %s: %w", path, err)
	}

	var raw struct {
		Classifications []struct {
			RecordType string `mapstructure:"record_type"`
			Field      string `mapstructure:"field"`
			Tier       string `mapstructure:"tier"`
		} `mapstructure:"classifications"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode classification file %s: %w", path, err)
	}

	out := make([]ClassifiedField, 0, len(raw.Classifications))
	for i, c := range raw.Classifications {
		tier, err := ParseTier(c.Tier)
		if err != nil {
			return nil, fmt.Errorf("classification file %s entry %d: %w", path, i, err)
		}
		if c.RecordType == "" || c.Field == "" {
			return nil, fmt.Errorf("classification file %s entry %d: record_type and field are required", path, i)
		}
		out = append(out, ClassifiedField{RecordType: c.RecordType, Field: c.Field, Tier: tier})
	}
	return out, nil
}

// BuildRegistry returns the default registry extended with the registrations
// in path. An empty path yields the defaults only.
func BuildRegistry(path string) (*Registry, error) {
	b := NewDefaultRegistryBuilder()
	if path != "" {
		extra, err := LoadClassificationFile(path)
		if err != nil {
			return nil, err
		}
		if err := b.RegisterAll(extra); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
