package bridge

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

// SyncEvent is the intake unit: one change notification for one record.
// Events are created on webhook receipt, consumed exactly once by the
// orchestrator, and discarded; the event queue provides the at-least-once
// durability across restarts.
type SyncEvent struct {
	ID         string         `json:"id"`
	Source     contact.System `json:"source"`
	SubjectID  string         `json:"subjectId"`
	Kind       ChangeKind     `json:"kind"`
	ReceivedAt time.Time      `json:"receivedAt"`
	// DeliveryID deduplicates webhook redeliveries.
	DeliveryID string `json:"deliveryId,omitempty"`
	// Sweep marks events synthesized by a reconciliation pass; direction
	// for them is decided by last-write-wins instead of the event source.
	Sweep bool `json:"sweep,omitempty"`
	// Attempts counts processing attempts for bounded worker retries.
	Attempts int `json:"attempts,omitempty"`
}

// NewSyncEvent builds an event with a fresh id and receipt timestamp.
func NewSyncEvent(source contact.System, subjectID string, kind ChangeKind) SyncEvent {
	return SyncEvent{
		ID:         uuid.NewString(),
		Source:     source,
		SubjectID:  strings.TrimSpace(subjectID),
		Kind:       kind,
		ReceivedAt: time.Now().UTC(),
	}
}

// Valid reports whether the event can be processed at all.
func (ev SyncEvent) Valid() bool {
	if !ev.Source.Valid() || strings.TrimSpace(ev.SubjectID) == "" {
		return false
	}
	switch ev.Kind {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	default:
		return false
	}
}
