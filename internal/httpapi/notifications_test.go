package httpapi

import (
	"testing"

	"github.com/agentworkforce/contactbridge/internal/bridge"
)

func TestParseCRMNotificationsSkipsUnknownTypes(t *testing.T) {
	body := `[
		{"eventId": 1, "subscriptionType": "company.creation", "objectId": 77},
		{"eventId": 2, "subscriptionType": "contact.propertyChange", "objectId": 88},
		{"eventId": 3, "subscriptionType": "contact.creation", "objectId": 0}
	]`
	events, err := parseCRMNotifications([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SubjectID != "88" || events[0].Kind != bridge.ChangeUpdated {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestParseCRMNotificationsRejectsMalformedBody(t *testing.T) {
	if _, err := parseCRMNotifications([]byte(`{"not": "an array"}`)); err == nil {
		t.Fatalf("expected error for non-array body")
	}
}

func TestParseSchedulerNotificationSkipsItemsWithoutID(t *testing.T) {
	body := `{"scope": "Customer", "items": [{"uri": ""}, {"uri": "/api/v2/customer/cust_3/"}]}`
	events, err := parseSchedulerNotification([]byte(body), "dlv_1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SubjectID != "cust_3" {
		t.Fatalf("unexpected id %q", events[0].SubjectID)
	}
	if events[0].DeliveryID != "scheduler:dlv_1:1" {
		t.Fatalf("delivery id keeps the item index: %q", events[0].DeliveryID)
	}
}

func TestIDFromURI(t *testing.T) {
	cases := []struct {
		uri  string
		want string
	}{
		{"https://api.10to8.com/api/v2/customer/cust_9/", "cust_9"},
		{"/api/v2/customer/cust_9", "cust_9"},
		{"cust_9", "cust_9"},
		{"", ""},
		{"///", ""},
	}
	for _, tc := range cases {
		if got := idFromURI(tc.uri); got != tc.want {
			t.Fatalf("idFromURI(%q) = %q, want %q", tc.uri, got, tc.want)
		}
	}
}
