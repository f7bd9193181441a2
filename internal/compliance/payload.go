package compliance

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// Payload is the field map of a record.
type Payload map[string]any

func decodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeSystem, "stored record is not a JSON object")
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Fields returns the payload's field names, sorted.
func (p Payload) Fields() []string {
	return slices.Sorted(maps.Keys(p))
}

// Project keeps only the named fields.
func (p Payload) Project(fields []string) Payload {
	out := make(Payload, len(fields))
	for _, f := range fields {
		if v, ok := p[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Merge applies changes; a null value removes the field.
func (p Payload) Merge(changes Payload) Payload {
	out := maps.Clone(p)
	if out == nil {
		out = Payload{}
	}
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (p Payload) encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, apperror.New(apperror.CodeInvalidInput, "Record fields must be JSON values")
	}
	return b, nil
}
