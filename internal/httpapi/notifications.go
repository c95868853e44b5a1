package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentworkforce/contactbridge/internal/bridge"
	"github.com/agentworkforce/contactbridge/internal/contact"
)

// crmNotification is one entry of the CRM's webhook delivery batch.
type crmNotification struct {
	EventID          json.Number `json:"eventId"`
	SubscriptionType string      `json:"subscriptionType"`
	ObjectID         json.Number `json:"objectId"`
	AttemptNumber    int         `json:"attemptNumber"`
}

// parseCRMNotifications turns a CRM webhook body (a JSON array of object
// events) into sync events. Unknown subscription types are skipped, not
// rejected: the CRM retries whole batches on any non-2xx, so failing one
// odd entry would re-deliver the rest forever.
func parseCRMNotifications(body []byte) ([]bridge.SyncEvent, error) {
	var notifications []crmNotification
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, fmt.Errorf("crm webhook body: %w", err)
	}
	var events []bridge.SyncEvent
	for _, n := range notifications {
		kind, ok := crmChangeKind(n.SubscriptionType)
		if !ok {
			continue
		}
		objectID := n.ObjectID.String()
		if objectID == "" || objectID == "0" {
			continue
		}
		ev := bridge.NewSyncEvent(contact.SystemCRM, objectID, kind)
		if id := n.EventID.String(); id != "" && id != "0" {
			ev.DeliveryID = "crm:" + id
		}
		events = append(events, ev)
	}
	return events, nil
}

func crmChangeKind(subscriptionType string) (bridge.ChangeKind, bool) {
	switch strings.ToLower(strings.TrimSpace(subscriptionType)) {
	case "contact.creation":
		return bridge.ChangeCreated, true
	case "contact.propertychange":
		return bridge.ChangeUpdated, true
	case "contact.deletion", "contact.privacydeletion":
		return bridge.ChangeDeleted, true
	default:
		return "", false
	}
}

// schedulerNotification is the scheduler's callback payload: one scope with
// the affected resource URIs.
type schedulerNotification struct {
	Scope string `json:"scope"`
	Items []struct {
		URI     string `json:"uri,omitempty"`
		ID      string `json:"id,omitempty"`
		Action  string `json:"action,omitempty"`
		Deleted bool   `json:"deleted,omitempty"`
	} `json:"items"`
}

// parseSchedulerNotification extracts sync events from a scheduler
// callback. Only customer-scope callbacks matter; others parse cleanly and
// yield nothing.
func parseSchedulerNotification(body []byte, deliveryID string) ([]bridge.SyncEvent, error) {
	var notification schedulerNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, fmt.Errorf("scheduler webhook body: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(notification.Scope), "customer") {
		return nil, nil
	}
	var events []bridge.SyncEvent
	for i, item := range notification.Items {
		id := item.ID
		if id == "" {
			id = idFromURI(item.URI)
		}
		if id == "" {
			continue
		}
		kind := schedulerChangeKind(item.Action, item.Deleted)
		ev := bridge.NewSyncEvent(contact.SystemScheduler, id, kind)
		if deliveryID != "" {
			ev.DeliveryID = "scheduler:" + deliveryID + ":" + strconv.Itoa(i)
		}
		events = append(events, ev)
	}
	return events, nil
}

func schedulerChangeKind(action string, deleted bool) bridge.ChangeKind {
	if deleted {
		return bridge.ChangeDeleted
	}
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "created", "create":
		return bridge.ChangeCreated
	case "deleted", "delete":
		return bridge.ChangeDeleted
	default:
		// The callback often omits the action; treating everything else as
		// an update is safe because detection re-reads both sides anyway.
		return bridge.ChangeUpdated
	}
}

func idFromURI(uri string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(uri), "/")
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
