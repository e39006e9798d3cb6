// Package record declares the Agreement snapshot and the versioned change
// set that is written back to the system of record.
package record

import "time"

const (
	TypeFixedTerm = "fixed_term"
	TypeEvergreen = "evergreen"
	TypeUsage     = "usage"

	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusFinalized = "finalized"

	// DateLayout is the layout of start/end
	DateLayout = "2006-01-02"
)

// Field names, as they appear in JSON and in conflict field lists
const (
	FieldTitle           = "title"
	FieldType            = "type"
	FieldStatus          = "status"
	FieldStart           = "start"
	FieldEnd             = "end"
	FieldFinalizedAt     = "finalizedAt"
	FieldDiscontinued    = "discontinued"
	FieldQuantity        = "quantity"
	FieldUnitPriceCents  = "unitPriceCents"
	FieldRenewalTermDays = "renewalTermDays"
	FieldUsageUnit       = "usageUnit"
)

// AllFields every field of an Agreement, sorted
var AllFields = []string{
	FieldDiscontinued,
	FieldEnd,
	FieldFinalizedAt,
	FieldQuantity,
	FieldRenewalTermDays,
	FieldStart,
	FieldStatus,
	FieldTitle,
	FieldType,
	FieldUnitPriceCents,
	FieldUsageUnit,
}

// Agreement snapshot of an externally-owned agreement record
type Agreement struct {
	Title           string `json:"title"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Start           string `json:"start,omitempty"`
	End             string `json:"end,omitempty"`
	FinalizedAt     string `json:"finalizedAt,omitempty"`
	Discontinued    bool   `json:"discontinued"`
	Quantity        int64  `json:"quantity"`
	UnitPriceCents  int64  `json:"unitPriceCents"`
	RenewalTermDays int    `json:"renewalTermDays,omitempty"`
	UsageUnit       string `json:"usageUnit,omitempty"`
}

// IsFinalized whether the agreement is finalized
func (a Agreement) IsFinalized() bool {
	return a.Status == StatusFinalized || a.FinalizedAt != ""
}

// ParseDate parses a start/end value
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// ParseTimestamp parses a finalizedAt value
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Diff returns the sorted list of fields that differ between a and b
func Diff(a, b Agreement) (fields []string) {
	if a.Discontinued != b.Discontinued {
		fields = append(fields, FieldDiscontinued)
	}
	if a.End != b.End {
		fields = append(fields, FieldEnd)
	}
	if a.FinalizedAt != b.FinalizedAt {
		fields = append(fields, FieldFinalizedAt)
	}
	if a.Quantity != b.Quantity {
		fields = append(fields, FieldQuantity)
	}
	if a.RenewalTermDays != b.RenewalTermDays {
		fields = append(fields, FieldRenewalTermDays)
	}
	if a.Start != b.Start {
		fields = append(fields, FieldStart)
	}
	if a.Status != b.Status {
		fields = append(fields, FieldStatus)
	}
	if a.Title != b.Title {
		fields = append(fields, FieldTitle)
	}
	if a.Type != b.Type {
		fields = append(fields, FieldType)
	}
	if a.UnitPriceCents != b.UnitPriceCents {
		fields = append(fields, FieldUnitPriceCents)
	}
	if a.UsageUnit != b.UsageUnit {
		fields = append(fields, FieldUsageUnit)
	}

	return fields
}

// IsField whether name is a known Agreement field
func IsField(name string) bool {
	for _, f := range AllFields {
		if f == name {
			return true
		}
	}
	return false
}

// Operation the outbound write operation
type Operation string

const (
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid whether op is a supported operation
func (op Operation) Valid() bool {
	return op == OpUpdate || op == OpDelete
}
