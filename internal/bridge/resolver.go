package bridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

// ConflictRecord describes one field rejected by a target system during a
// sync attempt. It is ephemeral: it exists only to be folded into the
// source record's sync status.
type ConflictRecord struct {
	Field         string
	RejectedValue string
	Placeholder   string
	Message       string
}

// Resolver applies the placeholder policy when a target schema rejects a
// value the source accepts. It is stateless and idempotent: the same inputs
// always produce the same outputs.
type Resolver struct {
	validator    *contact.Validator
	placeholders map[string]string
}

// NewResolver builds a resolver over the per-system field predicates.
// placeholders maps native field names to the substitute written on
// rejection; unlisted fields use the empty string.
func NewResolver(validator *contact.Validator, placeholders map[string]string) *Resolver {
	copied := make(map[string]string, len(placeholders))
	for k, v := range placeholders {
		copied[k] = v
	}
	return &Resolver{validator: validator, placeholders: copied}
}

// Placeholder returns the substitute value configured for field.
func (r *Resolver) Placeholder(field string) string {
	return r.placeholders[field]
}

// HasPredicate reports whether sys constrains field at all. Fields without a
// predicate never produce placeholders, so callers can skip the shield.
func (r *Resolver) HasPredicate(sys contact.System, field string) bool {
	return r.validator.HasSchema(sys, field)
}

// ResolveField checks value against target's predicate for field. On
// rejection it returns the configured placeholder and a ConflictRecord
// whose message embeds the original invalid value, so the source record's
// status doubles as an audit trail. Values already equal to the placeholder
// pass through untouched.
func (r *Resolver) ResolveField(target contact.System, field, value string) (string, *ConflictRecord) {
	placeholder := r.Placeholder(field)
	if value == placeholder {
		return value, nil
	}
	if err := r.validator.Validate(target, field, value); err != nil {
		return placeholder, &ConflictRecord{
			Field:         field,
			RejectedValue: value,
			Placeholder:   placeholder,
			Message:       fmt.Sprintf("Error: Invalid %s %s", field, value),
		}
	}
	return value, nil
}

// ResolveFields applies ResolveField to every string-valued entry of a
// native field map bound for target, returning the (possibly substituted)
// fields and the conflicts in deterministic field order.
func (r *Resolver) ResolveFields(target contact.System, fields map[string]any) (map[string]any, []ConflictRecord) {
	resolved := make(map[string]any, len(fields))
	var conflicts []ConflictRecord
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, ok := fields[name].(string)
		if !ok {
			resolved[name] = fields[name]
			continue
		}
		accepted, conflict := r.ResolveField(target, name, value)
		resolved[name] = accepted
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
	}
	return resolved, conflicts
}

// ShieldPlaceholder guards the reverse direction. When a field on
// rejectedBy holds the placeholder because of a prior rejection, syncing
// that placeholder back must not destroy the destination's original value
// while that value is still the invalid one the placeholder stands for.
// Given the incoming value and the destination's current value, it returns
// the value to write: current (plus a conflict record) when the shield
// applies, incoming otherwise.
func (r *Resolver) ShieldPlaceholder(rejectedBy contact.System, field, incoming, current string) (string, *ConflictRecord) {
	if incoming != r.Placeholder(field) {
		return incoming, nil
	}
	if current == "" || current == incoming {
		return incoming, nil
	}
	if err := r.validator.Validate(rejectedBy, field, current); err == nil {
		// The destination value is valid for the system that produced the
		// placeholder, so the placeholder is stale, not authoritative;
		// let the cleared value propagate.
		return incoming, nil
	}
	return current, &ConflictRecord{
		Field:         field,
		RejectedValue: current,
		Placeholder:   r.Placeholder(field),
		Message:       fmt.Sprintf("Error: Invalid %s %s", field, current),
	}
}

// ConflictStatus folds conflict records into a sync status string.
func ConflictStatus(conflicts []ConflictRecord) string {
	if len(conflicts) == 0 {
		return ""
	}
	messages := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		messages = append(messages, c.Message)
	}
	return strings.Join(messages, "; ")
}
