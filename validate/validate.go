// Package validate holds the pure business rules a change set must satisfy
// before it may be written back. Nothing in here performs I/O.
package validate

import (
	"fmt"
	"strings"

	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
)

// Rule identifiers
const (
	RuleRequired   = "required"
	RuleEnum       = "enum"
	RuleFormat     = "format"
	RuleOrder      = "order"
	RuleNonNeg     = "non_negative"
	RuleImmutable  = "immutable"
	RuleOperation  = "operation"
	RuleNoChanges  = "no_changes"
	RuleUnfinalize = "unfinalize"
)

// FieldError a single rule violation
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (fe FieldError) String() string {
	if fe.Field == "" {
		return fe.Message
	}
	return fmt.Sprintf("%s: %s", fe.Field, fe.Message)
}

// Result of a validation. Errors holds every violation, not only the first.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise a validation failure
// listing every violation
func (r Result) Err() error {
	if r.Valid {
		return nil
	}

	msgs := make([]string, 0, len(r.Errors))
	for _, fe := range r.Errors {
		msgs = append(msgs, fe.String())
	}

	return failure.New(failure.KindValidation, strings.Join(msgs, "; "))
}

type collector struct {
	errs []FieldError
}

func (c *collector) add(field, rule, format string, args ...interface{}) {
	c.errs = append(c.errs, FieldError{
		Field:   field,
		Rule:    rule,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks the change set for op against the current snapshot.
// current may be nil when no snapshot exists yet, in which case only the
// change set itself is checked.
func Validate(op record.Operation, cs record.ChangeSet, current *record.Agreement) Result {
	c := &collector{}

	switch op {
	case record.OpDelete:
		if current != nil && current.IsFinalized() {
			c.add("", RuleImmutable, "a finalized agreement cannot be deleted")
		}
		return c.result()
	case record.OpUpdate:
	default:
		c.add("", RuleOperation, "unsupported operation '%s'", op)
		return c.result()
	}

	if cs.Empty() {
		c.add("", RuleNoChanges, "change set is empty")
		return c.result()
	}

	checkChangeSet(c, cs)

	var before record.Agreement
	if current != nil {
		before = *current
	}
	after := cs.Apply(before)

	checkMerged(c, after)

	if before.Discontinued && !after.Discontinued {
		c.add(record.FieldDiscontinued, RuleImmutable, "a discontinued agreement cannot be reinstated")
	}

	if current != nil && current.IsFinalized() {
		checkFinalized(c, before, after)
	}

	return c.result()
}

func (c *collector) result() Result {
	return Result{Valid: len(c.errs) == 0, Errors: c.errs}
}

// checkChangeSet rules that only need the changed values
func checkChangeSet(c *collector, cs record.ChangeSet) {
	if cs.Title != nil && strings.TrimSpace(*cs.Title) == "" {
		c.add(record.FieldTitle, RuleRequired, "cannot be blank")
	}

	if cs.Type != nil {
		switch *cs.Type {
		case record.TypeFixedTerm, record.TypeEvergreen, record.TypeUsage:
		default:
			c.add(record.FieldType, RuleEnum, "'%s' is not one of %s, %s, %s", *cs.Type,
				record.TypeFixedTerm, record.TypeEvergreen, record.TypeUsage)
		}
	}

	if cs.Status != nil {
		switch *cs.Status {
		case record.StatusDraft, record.StatusActive, record.StatusFinalized:
		default:
			c.add(record.FieldStatus, RuleEnum, "'%s' is not one of %s, %s, %s", *cs.Status,
				record.StatusDraft, record.StatusActive, record.StatusFinalized)
		}
	}

	if cs.Start != nil && *cs.Start != "" {
		if _, err := record.ParseDate(*cs.Start); err != nil {
			c.add(record.FieldStart, RuleFormat, "must be a YYYY-MM-DD date")
		}
	}

	if cs.End != nil && *cs.End != "" {
		if _, err := record.ParseDate(*cs.End); err != nil {
			c.add(record.FieldEnd, RuleFormat, "must be a YYYY-MM-DD date")
		}
	}

	if cs.FinalizedAt != nil && *cs.FinalizedAt != "" {
		if _, err := record.ParseTimestamp(*cs.FinalizedAt); err != nil {
			c.add(record.FieldFinalizedAt, RuleFormat, "must be an RFC 3339 timestamp")
		}
	}

	if cs.Quantity != nil && *cs.Quantity < 0 {
		c.add(record.FieldQuantity, RuleNonNeg, "must not be negative")
	}

	if cs.UnitPriceCents != nil && *cs.UnitPriceCents < 0 {
		c.add(record.FieldUnitPriceCents, RuleNonNeg, "must not be negative")
	}

	if cs.RenewalTermDays != nil && *cs.RenewalTermDays < 0 {
		c.add(record.FieldRenewalTermDays, RuleNonNeg, "must not be negative")
	}
}

// checkMerged rules across fields of the resulting record
func checkMerged(c *collector, a record.Agreement) {
	if a.Start != "" && a.End != "" {
		start, errS := record.ParseDate(a.Start)
		end, errE := record.ParseDate(a.End)
		if errS == nil && errE == nil && end.Before(start) {
			c.add(record.FieldEnd, RuleOrder, "end %s is before start %s", a.End, a.Start)
		}
	}

	switch a.Type {
	case record.TypeFixedTerm:
		if a.End == "" {
			c.add(record.FieldEnd, RuleRequired, "required for %s agreements", record.TypeFixedTerm)
		}
	case record.TypeEvergreen:
		if a.RenewalTermDays <= 0 {
			c.add(record.FieldRenewalTermDays, RuleRequired, "required for %s agreements", record.TypeEvergreen)
		}
	case record.TypeUsage:
		if strings.TrimSpace(a.UsageUnit) == "" {
			c.add(record.FieldUsageUnit, RuleRequired, "required for %s agreements", record.TypeUsage)
		}
	}

	if a.Status == record.StatusFinalized && a.FinalizedAt == "" {
		c.add(record.FieldFinalizedAt, RuleRequired, "required once the agreement is finalized")
	}
}

// checkFinalized immutability rules once the current record is finalized
func checkFinalized(c *collector, before, after record.Agreement) {
	if before.FinalizedAt != "" {
		prev, errP := record.ParseTimestamp(before.FinalizedAt)
		if after.FinalizedAt == "" {
			c.add(record.FieldFinalizedAt, RuleImmutable, "cannot be cleared once set")
		} else if next, errN := record.ParseTimestamp(after.FinalizedAt); errP == nil && errN == nil && next.Before(prev) {
			c.add(record.FieldFinalizedAt, RuleImmutable, "cannot move backward from %s", before.FinalizedAt)
		}
	}

	if after.Type != before.Type {
		c.add(record.FieldType, RuleImmutable, "cannot change once finalized")
	}

	if before.Status == record.StatusFinalized && after.Status != record.StatusFinalized {
		c.add(record.FieldStatus, RuleUnfinalize, "cannot leave %s", record.StatusFinalized)
	}
}
