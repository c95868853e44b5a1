package contact

import (
	"testing"
	"time"
)

func TestSplitFullName(t *testing.T) {
	cases := []struct {
		full  string
		first string
		last  string
	}{
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"Ada", "Ada", ""},
		{"Ada Augusta King", "Ada", "Augusta King"},
		{"", "", ""},
		{"  Ada Lovelace  ", "Ada", "Lovelace"},
	}
	for _, tc := range cases {
		name := SplitFullName(tc.full)
		if name.First != tc.first || name.Last != tc.last {
			t.Fatalf("SplitFullName(%q) = %+v, want first=%q last=%q", tc.full, name, tc.first, tc.last)
		}
	}
}

func TestNameFullJoinsWithSingleSpace(t *testing.T) {
	if got := (Name{First: "Ada", Last: "Lovelace"}).Full(); got != "Ada Lovelace" {
		t.Fatalf("expected joined name, got %q", got)
	}
	if got := (Name{First: "Ada"}).Full(); got != "Ada" {
		t.Fatalf("first-only name should not carry a trailing space, got %q", got)
	}
	if got := (Name{Last: "Lovelace"}).Full(); got != "Lovelace" {
		t.Fatalf("last-only name should not carry a leading space, got %q", got)
	}
}

func TestEqualSyncableIgnoresIdentityAndStatus(t *testing.T) {
	a := Contact{
		LocalID:    "cust_1",
		Name:       Name{First: "Ada", Last: "Lovelace"},
		Emails:     []string{"ada@example.com"},
		SyncStatus: "Last synced: 2026-01-01T00:00:00Z",
	}
	b := Contact{
		ExternalID: "crm_9",
		Name:       Name{First: "Ada", Last: "Lovelace"},
		Emails:     []string{"ada@example.com"},
		SyncStatus: "Error: Invalid email nope",
	}
	if !EqualSyncable(a, b) {
		t.Fatalf("contacts differing only in ids and status should be equal")
	}
	b.Emails = append(b.Emails, "second@example.com")
	if EqualSyncable(a, b) {
		t.Fatalf("differing email lists should not be equal")
	}
}

func TestEqualSyncableTreatsNilAndEmptyListsAlike(t *testing.T) {
	a := Contact{Name: Name{First: "Ada"}}
	b := Contact{Name: Name{First: "Ada"}, Emails: []string{}, Phones: []string{}}
	if !EqualSyncable(a, b) {
		t.Fatalf("nil and empty lists should compare equal")
	}
}

func TestSyncedStatus(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	got := SyncedStatus(now)
	want := "Last synced: 2026-03-14T09:26:53Z"
	if got != want {
		t.Fatalf("SyncedStatus = %q, want %q", got, want)
	}
	if IsErrorStatus(got) {
		t.Fatalf("synced status should not read as an error")
	}
}

func TestStatusTransition(t *testing.T) {
	ok1 := "Last synced: 2026-01-01T00:00:00Z"
	ok2 := "Last synced: 2026-01-02T00:00:00Z"
	errStatus := "Error: Invalid email not-an-email"

	if StatusTransition(ok1, ok2) {
		t.Fatalf("ok-to-ok timestamp churn must not count as a change")
	}
	if !StatusTransition(ok1, errStatus) {
		t.Fatalf("ok-to-error must count as a change")
	}
	if !StatusTransition(errStatus, ok1) {
		t.Fatalf("error-to-ok must count as a change, or recovery never propagates")
	}
	if StatusTransition(errStatus, errStatus) {
		t.Fatalf("identical error statuses are not a change")
	}
}
