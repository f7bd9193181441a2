package hipaa

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Tier is the sensitivity level of a record field.
type Tier string

const (
	TierPublic   Tier = "PUBLIC"
	TierInternal Tier = "INTERNAL"
	TierPII      Tier = "PII"
	TierPHI      Tier = "PHI"
)

var tierRank = map[Tier]int{
	TierPublic:   0,
	TierInternal: 1,
	TierPII:      2,
	TierPHI:      3,
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Sensitive reports whether fields of this tier need a relationship check.
func (t Tier) Sensitive() bool {
	return t == TierPII || t == TierPHI
}

// Higher reports whether t is more sensitive than o.
func (t Tier) Higher(o Tier) bool {
	return tierRank[t] > tierRank[o]
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown classification tier %q", s)
	}
	return t, nil
}

// ClassifiedField is a record field tagged with its tier.
type ClassifiedField struct {
	RecordType string `json:"record_type"`
	Field      string `json:"field"`
	Tier       Tier   `json:"tier"`
}

type fieldKey struct {
	recordType string
	field      string
}

// RegistryBuilder collects registrations at startup. It is not safe for
// concurrent use; call Build once registration is complete.
type RegistryBuilder struct {
	entries map[fieldKey]Tier
	order   map[string][]string
}

// NewRegistryBuilder returns an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		entries: make(map[fieldKey]Tier),
		order:   make(map[string][]string),
	}
}

// Register tags recordType.field with tier. Registering the same pair twice
// with the same tier is a no-op; a different tier is an error.
func (b *RegistryBuilder) Register(recordType, field string, tier Tier) error {
	if recordType == "" || field == "" {
		return fmt.Errorf("register classification: record type and field are required")
	}
	if !tier.Valid() {
		return fmt.Errorf("register classification %s.%s: unknown tier %q", recordType, field, tier)
	}
	k := fieldKey{recordType, field}
	if existing, ok := b.entries[k]; ok {
		if existing != tier {
			return fmt.Errorf("register classification %s.%s: already registered as %s, cannot re-register as %s",
				recordType, field, existing, tier)
		}
		return nil
	}
	b.entries[k] = tier
	b.order[recordType] = append(b.order[recordType], field)
	return nil
}

// RegisterAll registers every field, stopping at the first conflict.
func (b *RegistryBuilder) RegisterAll(fields []ClassifiedField) error {
	for _, f := range fields {
		if err := b.Register(f.RecordType, f.Field, f.Tier); err != nil {
			return err
		}
	}
	return nil
}

// Build freezes the registrations into a Registry. The builder may keep being
// used; later registrations do not affect registries already built.
func (b *RegistryBuilder) Build() *Registry {
	r := &Registry{
		entries: make(map[fieldKey]Tier, len(b.entries)),
		order:   make(map[string][]string, len(b.order)),
	}
	for k, v := range b.entries {
		r.entries[k] = v
	}
	for rt, fields := range b.order {
		r.order[rt] = append([]string(nil), fields...)
	}
	return r
}

// Registry answers field classification queries. It is immutable and safe for
// concurrent reads.
type Registry struct {
	entries map[fieldKey]Tier
	order   map[string][]string

	typesOnce sync.Once
	types     []string
}

// Tier returns the tier of recordType.field. Unregistered fields are
// INTERNAL: never public by accident, never blocked outright.
func (r *Registry) Tier(recordType, field string) Tier {
	if t, ok := r.entries[fieldKey{recordType, field}]; ok {
		return t
	}
	return TierInternal
}

// Registered reports whether recordType.field was explicitly registered.
func (r *Registry) Registered(recordType, field string) bool {
	_, ok := r.entries[fieldKey{recordType, field}]
	return ok
}

// Classify tags each field, keeping input order and dropping duplicates.
func (r *Registry) Classify(recordType string, fields []string) []ClassifiedField {
	out := make([]ClassifiedField, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, ClassifiedField{RecordType: recordType, Field: f, Tier: r.Tier(recordType, f)})
	}
	return out
}

// Fields returns the registered fields of recordType in registration order.
func (r *Registry) Fields(recordType string) []ClassifiedField {
	names := r.order[recordType]
	out := make([]ClassifiedField, 0, len(names))
	for _, f := range names {
		out = append(out, ClassifiedField{RecordType: recordType, Field: f, Tier: r.entries[fieldKey{recordType, f}]})
	}
	return out
}

// RecordTypes returns the record types with at least one registration.
func (r *Registry) RecordTypes() []string {
	r.typesOnce.Do(func() {
		for rt := range r.order {
			r.types = append(r.types, rt)
		}
		slices.Sort(r.types)
	})
	return append([]string(nil), r.types...)
}

// HighestTier returns the most sensitive tier among fields, PUBLIC when empty.
func HighestTier(fields []ClassifiedField) Tier {
	highest := TierPublic
	for _, f := range fields {
		if f.Tier.Higher(highest) {
			highest = f.Tier
		}
	}
	return highest
}

// Tiers returns the distinct tiers in fields ordered from least to most sensitive.
func Tiers(fields []ClassifiedField) []Tier {
	present := make(map[Tier]bool, 4)
	for _, f := range fields {
		present[f.Tier] = true
	}
	out := make([]Tier, 0, len(present))
	for _, t := range []Tier{TierPublic, TierInternal, TierPII, TierPHI} {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}
