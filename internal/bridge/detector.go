package bridge

import (
	"github.com/agentworkforce/contactbridge/internal/contact"
)

// Action is the sync step a record pair needs.
type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionUnlink retires a link after both sides are gone.
	ActionUnlink Action = "unlink"
)

// ChangeKind classifies an incoming change notification.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Decision is the detector's verdict for one record pair.
type Decision struct {
	Action Action
	// Target is the system to write to.
	Target contact.System
	// DuplicateSuspected flags a heuristic match found while unlinked.
	// Policy is to still create rather than guess-merge; the flag only
	// surfaces the suspicion to the operator.
	DuplicateSuspected bool
	Reason             string
}

// Detector decides, from two record snapshots and the link state, whether
// a sync action is required and in which direction. It holds no state of
// its own.
type Detector struct {
	mapper  *contact.Mapper
	primary contact.System
}

func NewDetector(mapper *contact.Mapper, primary contact.System) *Detector {
	if !primary.Valid() {
		primary = contact.SystemScheduler
	}
	return &Detector{mapper: mapper, primary: primary}
}

// Detect runs the per-record state machine. sched and crm are nil when the
// record is absent on that side. source names the system the triggering
// event came from; it is empty for reconciliation sweeps, where direction
// falls back to last-write-wins with ties broken toward the primary
// system. linked reports whether a correlation link exists.
func (d *Detector) Detect(linked bool, sched, crm *NativeRecord, source contact.System, kind ChangeKind) Decision {
	schedGone := sched == nil || sched.Deleted
	crmGone := crm == nil || crm.Deleted

	if !linked {
		return d.detectUnlinked(schedGone, crmGone, sched, crm, source, kind)
	}

	switch {
	case schedGone && crmGone:
		return Decision{Action: ActionUnlink, Reason: "both sides deleted"}
	case schedGone:
		return Decision{Action: ActionDelete, Target: contact.SystemCRM, Reason: "scheduler record deleted"}
	case crmGone:
		return Decision{Action: ActionDelete, Target: contact.SystemScheduler, Reason: "CRM record deleted"}
	}

	schedCanonical := d.mapper.ToCanonical(sched.Fields, contact.SystemScheduler)
	crmCanonical := d.mapper.ToCanonical(crm.Fields, contact.SystemCRM)
	if contact.EqualSyncable(schedCanonical, crmCanonical) {
		return Decision{Action: ActionNone, Reason: "projections equal"}
	}

	target := d.updateTarget(sched, crm, source)
	return Decision{Action: ActionUpdate, Target: target, Reason: "projections differ"}
}

func (d *Detector) detectUnlinked(schedGone, crmGone bool, sched, crm *NativeRecord, source contact.System, kind ChangeKind) Decision {
	if kind == ChangeDeleted || (schedGone && crmGone) {
		// Deleting a record nobody was linked to needs no counterpart work.
		return Decision{Action: ActionNone, Reason: "unlinked deletion"}
	}
	switch {
	case !schedGone && crmGone:
		return d.flagDuplicate(Decision{Action: ActionCreate, Target: contact.SystemCRM, Reason: "unlinked scheduler record"}, sched, crm)
	case schedGone && !crmGone:
		return d.flagDuplicate(Decision{Action: ActionCreate, Target: contact.SystemScheduler, Reason: "unlinked CRM record"}, sched, crm)
	default:
		// Both exist but no link: the event source decides which side is
		// authoritative for the create.
		target := contact.SystemCRM
		if source == contact.SystemCRM {
			target = contact.SystemScheduler
		}
		return d.flagDuplicate(Decision{Action: ActionCreate, Target: target, Reason: "unlinked pair"}, sched, crm)
	}
}

func (d *Detector) flagDuplicate(decision Decision, sched, crm *NativeRecord) Decision {
	if sched == nil || crm == nil {
		return decision
	}
	a := d.mapper.ToCanonical(sched.Fields, contact.SystemScheduler)
	b := d.mapper.ToCanonical(crm.Fields, contact.SystemCRM)
	if a.PrimaryEmail() != "" && a.PrimaryEmail() == b.PrimaryEmail() {
		decision.DuplicateSuspected = true
	}
	return decision
}

func (d *Detector) updateTarget(sched, crm *NativeRecord, source contact.System) contact.System {
	if source.Valid() {
		return source.Other()
	}
	// Sweep: last write wins by remote-reported modification time.
	switch {
	case sched.UpdatedAt.After(crm.UpdatedAt):
		return contact.SystemCRM
	case crm.UpdatedAt.After(sched.UpdatedAt):
		return contact.SystemScheduler
	default:
		return d.primary.Other()
	}
}
