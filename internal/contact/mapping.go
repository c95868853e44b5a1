package contact

import (
	"fmt"
	"strings"
)

// OverflowSeparator joins secondary emails/phones into a single overflow
// field on systems without native multi-value support. The CRM renders the
// overflow field as a multi-line text property, hence the newline.
const OverflowSeparator = ",\n"

// Direction restricts a mapping rule to one sync direction.
type Direction string

const (
	DirectionBoth        Direction = "both"
	DirectionToCRM       Direction = "to_crm"
	DirectionToScheduler Direction = "to_scheduler"
)

// FieldKind describes how a native field encodes a canonical value.
type FieldKind string

const (
	// KindScalar is a plain one-to-one string field.
	KindScalar FieldKind = "scalar"
	// KindList is a native multi-value field holding the whole canonical list.
	KindList FieldKind = "list"
	// KindSplit stores the primary value in Field and the joined remainder
	// in Overflow.
	KindSplit FieldKind = "split"
	// KindJoinedName stores the full name as a single string in Field.
	KindJoinedName FieldKind = "joined_name"
	// KindSplitName stores the first name in Field and the last name in
	// Overflow.
	KindSplitName FieldKind = "split_name"
)

// FieldSpec names the native field(s) carrying a canonical value on one
// system.
type FieldSpec struct {
	Field    string    `yaml:"field"`
	Kind     FieldKind `yaml:"kind"`
	Overflow string    `yaml:"overflow,omitempty"`
}

// MappingRule binds one canonical field to its native representation on
// each system. A nil side means the field does not exist there; rules are
// read-only once the Mapper is built.
type MappingRule struct {
	Canonical string     `yaml:"canonical"`
	Scheduler *FieldSpec `yaml:"scheduler,omitempty"`
	CRM       *FieldSpec `yaml:"crm,omitempty"`
	Direction Direction  `yaml:"direction,omitempty"`
}

func (r MappingRule) spec(sys System) *FieldSpec {
	if sys == SystemScheduler {
		return r.Scheduler
	}
	return r.CRM
}

func (r MappingRule) writesTo(sys System) bool {
	switch r.Direction {
	case "", DirectionBoth:
		return true
	case DirectionToCRM:
		return sys == SystemCRM
	case DirectionToScheduler:
		return sys == SystemScheduler
	default:
		return false
	}
}

// Mapper translates between native record fields and the canonical contact.
// It is pure: both directions are free of I/O and side effects, and a field
// with no rule is simply not transferred.
type Mapper struct {
	rules []MappingRule
}

func NewMapper(rules []MappingRule) (*Mapper, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for i, rule := range rules {
		if strings.TrimSpace(rule.Canonical) == "" {
			return nil, fmt.Errorf("mapping rule %d: canonical field name is required", i)
		}
		switch rule.Direction {
		case "", DirectionBoth, DirectionToCRM, DirectionToScheduler:
		default:
			return nil, fmt.Errorf("mapping rule %q: unknown direction %q", rule.Canonical, rule.Direction)
		}
		for _, spec := range []*FieldSpec{rule.Scheduler, rule.CRM} {
			if spec == nil {
				continue
			}
			switch spec.Kind {
			case KindScalar, KindList, KindJoinedName:
			case KindSplit, KindSplitName:
				if strings.TrimSpace(spec.Overflow) == "" {
					return nil, fmt.Errorf("mapping rule %q: kind %s requires an overflow field", rule.Canonical, spec.Kind)
				}
			default:
				return nil, fmt.Errorf("mapping rule %q: unknown kind %q", rule.Canonical, spec.Kind)
			}
			if strings.TrimSpace(spec.Field) == "" {
				return nil, fmt.Errorf("mapping rule %q: native field name is required", rule.Canonical)
			}
		}
	}
	return &Mapper{rules: append([]MappingRule(nil), rules...)}, nil
}

// DefaultRules is the stock schema pairing: a single joined name, a native
// multi-value email/phone list on the scheduler, and primary+overflow
// fields on the CRM.
func DefaultRules() []MappingRule {
	return []MappingRule{
		{
			Canonical: "name",
			Scheduler: &FieldSpec{Field: "name", Kind: KindJoinedName},
			CRM:       &FieldSpec{Field: "firstname", Kind: KindSplitName, Overflow: "lastname"},
		},
		{
			Canonical: "emails",
			Scheduler: &FieldSpec{Field: "emails", Kind: KindList},
			CRM:       &FieldSpec{Field: "email", Kind: KindSplit, Overflow: "secondary_emails"},
		},
		{
			Canonical: "phones",
			Scheduler: &FieldSpec{Field: "numbers", Kind: KindList},
			CRM:       &FieldSpec{Field: "phone", Kind: KindSplit, Overflow: "secondary_phone"},
		},
	}
}

// ToCanonical projects native fields into the canonical contact. All mapped
// fields are read regardless of rule direction; direction only limits
// writes.
func (m *Mapper) ToCanonical(fields map[string]any, sys System) Contact {
	c := Contact{}
	for _, rule := range m.rules {
		spec := rule.spec(sys)
		if spec == nil {
			continue
		}
		switch rule.Canonical {
		case "name":
			c.Name = readName(fields, spec)
		case "emails":
			c.Emails = readList(fields, spec)
		case "phones":
			c.Phones = readList(fields, spec)
		default:
			if spec.Kind != KindScalar {
				continue
			}
			value, ok := stringField(fields, spec.Field)
			if !ok {
				continue
			}
			if c.Extra == nil {
				c.Extra = map[string]string{}
			}
			c.Extra[rule.Canonical] = value
		}
	}
	return c
}

// FromCanonical renders the canonical contact into native fields for sys,
// honoring each rule's direction.
func (m *Mapper) FromCanonical(c Contact, sys System) map[string]any {
	fields := map[string]any{}
	for _, rule := range m.rules {
		spec := rule.spec(sys)
		if spec == nil || !rule.writesTo(sys) {
			continue
		}
		switch rule.Canonical {
		case "name":
			writeName(fields, spec, c.Name)
		case "emails":
			writeList(fields, spec, c.Emails)
		case "phones":
			writeList(fields, spec, c.Phones)
		default:
			if spec.Kind != KindScalar {
				continue
			}
			fields[spec.Field] = c.Extra[rule.Canonical]
		}
	}
	return fields
}

// NativeFields lists the native field names a sync can write on sys. The
// orchestrator compares exactly these when deciding whether a remote update
// is needed.
func (m *Mapper) NativeFields(sys System) []string {
	var names []string
	for _, rule := range m.rules {
		spec := rule.spec(sys)
		if spec == nil || !rule.writesTo(sys) {
			continue
		}
		names = append(names, spec.Field)
		if spec.Overflow != "" {
			names = append(names, spec.Overflow)
		}
	}
	return names
}

// PrimaryField returns the native field holding the primary value of a
// multi-valued canonical field, or "" when canonical has no such field on
// sys.
func (m *Mapper) PrimaryField(sys System, canonical string) string {
	for _, rule := range m.rules {
		if rule.Canonical != canonical {
			continue
		}
		spec := rule.spec(sys)
		if spec == nil {
			return ""
		}
		return spec.Field
	}
	return ""
}

func readName(fields map[string]any, spec *FieldSpec) Name {
	switch spec.Kind {
	case KindJoinedName:
		full, _ := stringField(fields, spec.Field)
		return SplitFullName(full)
	case KindSplitName:
		first, _ := stringField(fields, spec.Field)
		last, _ := stringField(fields, spec.Overflow)
		return Name{First: first, Last: last}
	default:
		return Name{}
	}
}

func writeName(fields map[string]any, spec *FieldSpec, name Name) {
	switch spec.Kind {
	case KindJoinedName:
		fields[spec.Field] = name.Full()
	case KindSplitName:
		fields[spec.Field] = name.First
		fields[spec.Overflow] = name.Last
	}
}

func readList(fields map[string]any, spec *FieldSpec) []string {
	switch spec.Kind {
	case KindList:
		return sliceField(fields, spec.Field)
	case KindSplit:
		var values []string
		if primary, ok := stringField(fields, spec.Field); ok && primary != "" {
			values = append(values, primary)
		}
		if overflow, ok := stringField(fields, spec.Overflow); ok && overflow != "" {
			for _, item := range strings.Split(overflow, OverflowSeparator) {
				if item != "" {
					values = append(values, item)
				}
			}
		}
		return values
	default:
		return nil
	}
}

func writeList(fields map[string]any, spec *FieldSpec, values []string) {
	switch spec.Kind {
	case KindList:
		fields[spec.Field] = append([]string(nil), values...)
	case KindSplit:
		if len(values) == 0 {
			fields[spec.Field] = ""
			fields[spec.Overflow] = ""
			return
		}
		fields[spec.Field] = values[0]
		fields[spec.Overflow] = strings.Join(values[1:], OverflowSeparator)
	}
}

func stringField(fields map[string]any, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func sliceField(fields map[string]any, name string) []string {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
