package contact

import (
	"reflect"
	"testing"
)

func defaultMapper(t *testing.T) *Mapper {
	t.Helper()
	mapper, err := NewMapper(nil)
	if err != nil {
		t.Fatalf("default mapper failed: %v", err)
	}
	return mapper
}

func TestToCanonicalFromScheduler(t *testing.T) {
	mapper := defaultMapper(t)
	fields := map[string]any{
		"name":    "Ada Lovelace",
		"emails":  []string{"ada@example.com", "ada2@example.com"},
		"numbers": []any{"+44 1", "+44 2"},
	}
	c := mapper.ToCanonical(fields, SystemScheduler)
	if c.Name.First != "Ada" || c.Name.Last != "Lovelace" {
		t.Fatalf("unexpected name: %+v", c.Name)
	}
	if !reflect.DeepEqual(c.Emails, []string{"ada@example.com", "ada2@example.com"}) {
		t.Fatalf("unexpected emails: %v", c.Emails)
	}
	if !reflect.DeepEqual(c.Phones, []string{"+44 1", "+44 2"}) {
		t.Fatalf("unexpected phones: %v", c.Phones)
	}
}

func TestToCanonicalFromCRMJoinsOverflow(t *testing.T) {
	mapper := defaultMapper(t)
	fields := map[string]any{
		"firstname":        "Ada",
		"lastname":         "Lovelace",
		"email":            "ada@example.com",
		"secondary_emails": "ada2@example.com,\nada3@example.com",
		"phone":            "+44 1",
		"secondary_phone":  "",
	}
	c := mapper.ToCanonical(fields, SystemCRM)
	if got := c.Name.Full(); got != "Ada Lovelace" {
		t.Fatalf("unexpected full name %q", got)
	}
	want := []string{"ada@example.com", "ada2@example.com", "ada3@example.com"}
	if !reflect.DeepEqual(c.Emails, want) {
		t.Fatalf("emails = %v, want %v", c.Emails, want)
	}
	if !reflect.DeepEqual(c.Phones, []string{"+44 1"}) {
		t.Fatalf("phones = %v", c.Phones)
	}
}

func TestFromCanonicalToCRMSplitsLists(t *testing.T) {
	mapper := defaultMapper(t)
	c := Contact{
		Name:   Name{First: "Ada", Last: "Lovelace"},
		Emails: []string{"ada@example.com", "ada2@example.com", "ada3@example.com"},
		Phones: []string{"+44 1"},
	}
	fields := mapper.FromCanonical(c, SystemCRM)
	if fields["firstname"] != "Ada" || fields["lastname"] != "Lovelace" {
		t.Fatalf("unexpected name fields: %v", fields)
	}
	if fields["email"] != "ada@example.com" {
		t.Fatalf("unexpected primary email: %v", fields["email"])
	}
	if fields["secondary_emails"] != "ada2@example.com,\nada3@example.com" {
		t.Fatalf("unexpected overflow: %v", fields["secondary_emails"])
	}
	if fields["phone"] != "+44 1" || fields["secondary_phone"] != "" {
		t.Fatalf("unexpected phone fields: %v", fields)
	}
}

func TestRoundTripSchedulerToCRMAndBack(t *testing.T) {
	mapper := defaultMapper(t)
	source := map[string]any{
		"name":    "Grace Hopper",
		"emails":  []string{"grace@example.com", "ghopper@example.com"},
		"numbers": []string{"+1 555"},
	}
	canonical := mapper.ToCanonical(source, SystemScheduler)
	crmFields := mapper.FromCanonical(canonical, SystemCRM)
	back := mapper.ToCanonical(crmFields, SystemCRM)
	if !EqualSyncable(canonical, back) {
		t.Fatalf("round trip lost data: %+v vs %+v", canonical, back)
	}
}

func TestEmptyListsWriteEmptyStrings(t *testing.T) {
	mapper := defaultMapper(t)
	fields := mapper.FromCanonical(Contact{Name: Name{First: "Ada"}}, SystemCRM)
	if fields["email"] != "" || fields["secondary_emails"] != "" {
		t.Fatalf("cleared lists should write empty strings, got %v", fields)
	}
}

func TestDirectionRestrictsWritesNotReads(t *testing.T) {
	rules := []MappingRule{
		{
			Canonical: "emails",
			Scheduler: &FieldSpec{Field: "emails", Kind: KindList},
			CRM:       &FieldSpec{Field: "email", Kind: KindSplit, Overflow: "secondary_emails"},
			Direction: DirectionToCRM,
		},
	}
	mapper, err := NewMapper(rules)
	if err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	c := mapper.ToCanonical(map[string]any{"email": "a@example.com"}, SystemCRM)
	if len(c.Emails) != 1 {
		t.Fatalf("directional rules must still be readable, got %v", c.Emails)
	}
	if fields := mapper.FromCanonical(c, SystemScheduler); len(fields) != 0 {
		t.Fatalf("to_crm rule must not write toward the scheduler, got %v", fields)
	}
	if names := mapper.NativeFields(SystemScheduler); len(names) != 0 {
		t.Fatalf("native field list must honor direction, got %v", names)
	}
}

func TestUnmappedFieldsAreNotTransferred(t *testing.T) {
	mapper := defaultMapper(t)
	c := mapper.ToCanonical(map[string]any{"name": "Ada", "favourite_colour": "mauve"}, SystemScheduler)
	fields := mapper.FromCanonical(c, SystemCRM)
	if _, ok := fields["favourite_colour"]; ok {
		t.Fatalf("unmapped field leaked through: %v", fields)
	}
}

func TestNewMapperRejectsBadRules(t *testing.T) {
	_, err := NewMapper([]MappingRule{{Canonical: "emails", CRM: &FieldSpec{Field: "email", Kind: KindSplit}}})
	if err == nil {
		t.Fatalf("split kind without overflow must be rejected")
	}
	_, err = NewMapper([]MappingRule{{Canonical: "x", Scheduler: &FieldSpec{Field: "x", Kind: "mystery"}}})
	if err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
	_, err = NewMapper([]MappingRule{{Canonical: "x", Direction: "sideways", Scheduler: &FieldSpec{Field: "x", Kind: KindScalar}}})
	if err == nil {
		t.Fatalf("unknown direction must be rejected")
	}
}

func TestPrimaryField(t *testing.T) {
	mapper := defaultMapper(t)
	if got := mapper.PrimaryField(SystemCRM, "emails"); got != "email" {
		t.Fatalf("PrimaryField(crm, emails) = %q", got)
	}
	if got := mapper.PrimaryField(SystemScheduler, "emails"); got != "emails" {
		t.Fatalf("PrimaryField(scheduler, emails) = %q", got)
	}
	if got := mapper.PrimaryField(SystemCRM, "nope"); got != "" {
		t.Fatalf("unknown canonical field should yield empty, got %q", got)
	}
}
