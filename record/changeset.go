package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Skyrin/go-writeback/e"
)

const (
	// ChangeSetVersion the current change set schema version
	ChangeSetVersion = 1

	ECode0B0101 = e.Code0B01 + "01"
	ECode0B0102 = e.Code0B01 + "02"
	ECode0B0103 = e.Code0B01 + "03"
	ECode0B0104 = e.Code0B01 + "04"
	ECode0B0105 = e.Code0B01 + "05"
)

// ChangeSet the declared set of field changes made locally to an Agreement.
// A nil field is unchanged.
type ChangeSet struct {
	SchemaVersion   int     `json:"schemaVersion"`
	Title           *string `json:"title,omitempty"`
	Type            *string `json:"type,omitempty"`
	Status          *string `json:"status,omitempty"`
	Start           *string `json:"start,omitempty"`
	End             *string `json:"end,omitempty"`
	FinalizedAt     *string `json:"finalizedAt,omitempty"`
	Discontinued    *bool   `json:"discontinued,omitempty"`
	Quantity        *int64  `json:"quantity,omitempty"`
	UnitPriceCents  *int64  `json:"unitPriceCents,omitempty"`
	RenewalTermDays *int    `json:"renewalTermDays,omitempty"`
	UsageUnit       *string `json:"usageUnit,omitempty"`
}

// DecodeChangeSet decodes an encoded change set. Unknown fields and
// unsupported schema versions are rejected. A missing schema version is
// read as the current one.
func DecodeChangeSet(b []byte) (cs ChangeSet, err error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return ChangeSet{SchemaVersion: ChangeSetVersion}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cs); err != nil {
		return ChangeSet{}, e.WWM(err, ECode0B0101, "invalid change set")
	}

	if cs.SchemaVersion == 0 {
		cs.SchemaVersion = ChangeSetVersion
	}

	if cs.SchemaVersion != ChangeSetVersion {
		return ChangeSet{}, e.N(ECode0B0102,
			fmt.Sprintf("unsupported change set schema version %d", cs.SchemaVersion))
	}

	return cs, nil
}

// Encode encodes the change set, always stamping the current schema version
func (cs ChangeSet) Encode() (json.RawMessage, error) {
	cs.SchemaVersion = ChangeSetVersion
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, e.W(err, ECode0B0103)
	}
	return b, nil
}

// Fields returns the sorted names of the changed fields
func (cs ChangeSet) Fields() (fields []string) {
	for _, f := range AllFields {
		if _, ok := cs.Value(f); ok {
			fields = append(fields, f)
		}
	}
	return fields
}

// Empty whether nothing changed
func (cs ChangeSet) Empty() bool {
	return len(cs.Fields()) == 0
}

// Value returns the changed value of field, if it was changed
func (cs ChangeSet) Value(field string) (v interface{}, ok bool) {
	switch field {
	case FieldTitle:
		return deref(cs.Title)
	case FieldType:
		return deref(cs.Type)
	case FieldStatus:
		return deref(cs.Status)
	case FieldStart:
		return deref(cs.Start)
	case FieldEnd:
		return deref(cs.End)
	case FieldFinalizedAt:
		return deref(cs.FinalizedAt)
	case FieldDiscontinued:
		return deref(cs.Discontinued)
	case FieldQuantity:
		return deref(cs.Quantity)
	case FieldUnitPriceCents:
		return deref(cs.UnitPriceCents)
	case FieldRenewalTermDays:
		return deref(cs.RenewalTermDays)
	case FieldUsageUnit:
		return deref(cs.UsageUnit)
	}
	return nil, false
}

// Without returns a copy of the change set with the listed fields unchanged
func (cs ChangeSet) Without(fields ...string) ChangeSet {
	for _, f := range fields {
		switch f {
		case FieldTitle:
			cs.Title = nil
		case FieldType:
			cs.Type = nil
		case FieldStatus:
			cs.Status = nil
		case FieldStart:
			cs.Start = nil
		case FieldEnd:
			cs.End = nil
		case FieldFinalizedAt:
			cs.FinalizedAt = nil
		case FieldDiscontinued:
			cs.Discontinued = nil
		case FieldQuantity:
			cs.Quantity = nil
		case FieldUnitPriceCents:
			cs.UnitPriceCents = nil
		case FieldRenewalTermDays:
			cs.RenewalTermDays = nil
		case FieldUsageUnit:
			cs.UsageUnit = nil
		}
	}
	return cs
}

// SetRaw sets field to the JSON encoded value
func (cs *ChangeSet) SetRaw(field string, raw json.RawMessage) (err error) {
	var target interface{}
	switch field {
	case FieldTitle:
		target = &cs.Title
	case FieldType:
		target = &cs.Type
	case FieldStatus:
		target = &cs.Status
	case FieldStart:
		target = &cs.Start
	case FieldEnd:
		target = &cs.End
	case FieldFinalizedAt:
		target = &cs.FinalizedAt
	case FieldDiscontinued:
		target = &cs.Discontinued
	case FieldQuantity:
		target = &cs.Quantity
	case FieldUnitPriceCents:
		target = &cs.UnitPriceCents
	case FieldRenewalTermDays:
		target = &cs.RenewalTermDays
	case FieldUsageUnit:
		target = &cs.UsageUnit
	default:
		return e.N(ECode0B0104, fmt.Sprintf("unknown field '%s'", field))
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return e.WWM(err, ECode0B0105, fmt.Sprintf("invalid value for '%s'", field))
	}

	return nil
}

// Apply returns a with the changes applied
func (cs ChangeSet) Apply(a Agreement) Agreement {
	if cs.Title != nil {
		a.Title = *cs.Title
	}
	if cs.Type != nil {
		a.Type = *cs.Type
	}
	if cs.Status != nil {
		a.Status = *cs.Status
	}
	if cs.Start != nil {
		a.Start = *cs.Start
	}
	if cs.End != nil {
		a.End = *cs.End
	}
	if cs.FinalizedAt != nil {
		a.FinalizedAt = *cs.FinalizedAt
	}
	if cs.Discontinued != nil {
		a.Discontinued = *cs.Discontinued
	}
	if cs.Quantity != nil {
		a.Quantity = *cs.Quantity
	}
	if cs.UnitPriceCents != nil {
		a.UnitPriceCents = *cs.UnitPriceCents
	}
	if cs.RenewalTermDays != nil {
		a.RenewalTermDays = *cs.RenewalTermDays
	}
	if cs.UsageUnit != nil {
		a.UsageUnit = *cs.UsageUnit
	}
	return a
}

// Intersect returns the sorted fields present in both lists
func Intersect(a, b []string) (out []string) {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	seen := make(map[string]struct{}, len(b))
	for _, f := range b {
		if _, ok := set[f]; !ok {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func deref[T any](p *T) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}
