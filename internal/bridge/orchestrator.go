package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

const (
	// DefaultSchedulerStatusField is the scheduler custom field that records
	// the last sync outcome for a record.
	DefaultSchedulerStatusField = "Sync Status"
	// DefaultCRMStatusField is the CRM property recording the same.
	DefaultCRMStatusField = "sync_status"
)

// OutcomeStatus summarizes one sync attempt.
type OutcomeStatus string

const (
	OutcomeSynced  OutcomeStatus = "synced"
	OutcomeNoop    OutcomeStatus = "noop"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome reports what one SyncOne call did.
type Outcome struct {
	Event      SyncEvent
	LocalID    string
	ExternalID string
	Action     Action
	Status     OutcomeStatus
	Conflicts  []ConflictRecord
	Err        error
	// Retryable marks failures worth retrying with backoff; permanent
	// failures wait for the next reconciliation sweep instead.
	Retryable bool
	Reason    string
}

// OrchestratorOptions wires the orchestrator's collaborators. Everything is
// passed explicitly at construction; the engine has no ambient globals.
type OrchestratorOptions struct {
	Scheduler RecordClient
	CRM       RecordClient
	Links     *CorrelationStore
	Mapper    *contact.Mapper
	Resolver  *Resolver
	// Primary breaks last-write-wins ties during reconciliation sweeps.
	Primary contact.System
	// ForceDelete bypasses the scheduler's pending-appointment protection
	// when propagating deletions. Accepted risk; see DeleteOptions.
	ForceDelete          bool
	SchedulerStatusField string
	CRMStatusField       string
	Logger               *log.Logger
	Now                  func() time.Time
}

// Orchestrator drives single-record syncs and full reconciliation sweeps.
// It sequences reads and writes, enforces per-identity exclusion, and is
// idempotent: re-running any sync with unchanged remote state is a no-op.
type Orchestrator struct {
	scheduler            RecordClient
	crm                  RecordClient
	links                *CorrelationStore
	primary              contact.System
	forceDelete          bool
	schedulerStatusField string
	crmStatusField       string
	logger               *log.Logger
	now                  func() time.Time

	locks *keyedMutex

	rulesMu  sync.RWMutex
	mapper   *contact.Mapper
	resolver *Resolver
	detector *Detector

	sweepMu   sync.Mutex
	lastSweep time.Time

	// haltMu guards halted: directions stopped by a fatal failure. A halted
	// direction skips events until an operator acts (rule reload or sweep).
	haltMu sync.Mutex
	halted map[contact.System]error
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Scheduler == nil || opts.CRM == nil {
		return nil, fmt.Errorf("scheduler and CRM clients are required")
	}
	if opts.Links == nil {
		return nil, fmt.Errorf("correlation store is required")
	}
	if opts.Mapper == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("mapper and resolver are required")
	}
	primary := opts.Primary
	if !primary.Valid() {
		primary = contact.SystemScheduler
	}
	schedulerStatusField := strings.TrimSpace(opts.SchedulerStatusField)
	if schedulerStatusField == "" {
		schedulerStatusField = DefaultSchedulerStatusField
	}
	crmStatusField := strings.TrimSpace(opts.CRMStatusField)
	if crmStatusField == "" {
		crmStatusField = DefaultCRMStatusField
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		scheduler:            opts.Scheduler,
		crm:                  opts.CRM,
		links:                opts.Links,
		primary:              primary,
		forceDelete:          opts.ForceDelete,
		schedulerStatusField: schedulerStatusField,
		crmStatusField:       crmStatusField,
		logger:               logger,
		now:                  now,
		locks:                newKeyedMutex(),
		mapper:               opts.Mapper,
		resolver:             opts.Resolver,
		detector:             NewDetector(opts.Mapper, primary),
		halted:               map[contact.System]error{},
	}, nil
}

// ReplaceRules swaps in a freshly loaded mapping rule set. In-flight syncs
// keep the snapshot they started with; new syncs pick up the replacement.
func (o *Orchestrator) ReplaceRules(mapper *contact.Mapper, resolver *Resolver) {
	if mapper == nil || resolver == nil {
		return
	}
	o.rulesMu.Lock()
	o.mapper = mapper
	o.resolver = resolver
	o.detector = NewDetector(mapper, o.primary)
	o.rulesMu.Unlock()
	o.clearHalts()
}

// haltDirection stops processing events from sys after a fatal failure:
// config or auth errors fail every event identically, and hammering the
// remote with them only obscures the root cause. Rule reloads and
// reconciliation sweeps clear the halt.
func (o *Orchestrator) haltDirection(sys contact.System, err error) {
	o.haltMu.Lock()
	defer o.haltMu.Unlock()
	if _, already := o.halted[sys]; already {
		return
	}
	o.halted[sys] = err
	o.logger.Printf("halting %s-sourced syncs after fatal failure: %v", sys, err)
}

func (o *Orchestrator) haltedFor(sys contact.System) error {
	o.haltMu.Lock()
	defer o.haltMu.Unlock()
	return o.halted[sys]
}

func (o *Orchestrator) clearHalts() {
	o.haltMu.Lock()
	defer o.haltMu.Unlock()
	for sys := range o.halted {
		o.logger.Printf("resuming %s-sourced syncs", sys)
		delete(o.halted, sys)
	}
}

type ruleSnapshot struct {
	mapper   *contact.Mapper
	resolver *Resolver
	detector *Detector
}

func (o *Orchestrator) snapshotRules() ruleSnapshot {
	o.rulesMu.RLock()
	defer o.rulesMu.RUnlock()
	return ruleSnapshot{mapper: o.mapper, resolver: o.resolver, detector: o.detector}
}

func (o *Orchestrator) client(sys contact.System) RecordClient {
	if sys == contact.SystemScheduler {
		return o.scheduler
	}
	return o.crm
}

func (o *Orchestrator) statusField(sys contact.System) string {
	if sys == contact.SystemScheduler {
		return o.schedulerStatusField
	}
	return o.crmStatusField
}

// SyncOne processes one event end to end: read both sides, detect, map and
// resolve, write, update the correlation link, stamp sync status. A failing
// step aborts the rest of the pipeline for this record only.
func (o *Orchestrator) SyncOne(ctx context.Context, ev SyncEvent) Outcome {
	if !ev.Valid() {
		return Outcome{Event: ev, Status: OutcomeFailed, Err: ErrInvalidInput}
	}
	if haltErr := o.haltedFor(ev.Source); haltErr != nil {
		return Outcome{
			Event:  ev,
			Status: OutcomeSkipped,
			Reason: fmt.Sprintf("%s direction halted: %v", ev.Source, haltErr),
		}
	}
	rules := o.snapshotRules()

	localID, externalID, linked, err := o.resolveIdentity(ctx, ev)
	if err != nil {
		return o.failure(ctx, ev, localID, externalID, err)
	}

	release := o.locks.Acquire(lockKeys(localID, externalID)...)
	defer release()

	sched, crm, err := o.readSides(ctx, localID, externalID)
	if err != nil {
		return o.failure(ctx, ev, localID, externalID, err)
	}

	srcForDetect := ev.Source
	if ev.Sweep {
		srcForDetect = ""
	}
	decision := rules.detector.Detect(linked, sched, crm, srcForDetect, ev.Kind)
	if decision.DuplicateSuspected {
		o.logger.Printf("possible duplicate for %s event %s: matching primary email on both sides; creating anyway", ev.Source, ev.SubjectID)
	}

	outcome := Outcome{
		Event:      ev,
		LocalID:    localID,
		ExternalID: externalID,
		Action:     decision.Action,
		Reason:     decision.Reason,
	}

	switch decision.Action {
	case ActionNone:
		outcome.Status = OutcomeNoop
		if !linked && ev.Kind != ChangeDeleted && sched == nil && crm == nil {
			o.logger.Printf("stale %s event for %s: record no longer exists", ev.Source, ev.SubjectID)
			outcome.Status = OutcomeSkipped
		}
		return outcome
	case ActionCreate:
		return o.applyCreate(ctx, rules, outcome, decision, sched, crm)
	case ActionUpdate:
		return o.applyUpdate(ctx, rules, outcome, decision, sched, crm)
	case ActionDelete:
		return o.applyDelete(ctx, outcome, decision)
	case ActionUnlink:
		if err := o.links.Unlink(ctx, localID, externalID); err != nil {
			return o.failure(ctx, ev, localID, externalID, err)
		}
		outcome.Status = OutcomeSynced
		return outcome
	default:
		outcome.Status = OutcomeFailed
		outcome.Err = fmt.Errorf("unsupported action %q", decision.Action)
		return outcome
	}
}

func (o *Orchestrator) resolveIdentity(ctx context.Context, ev SyncEvent) (localID, externalID string, linked bool, err error) {
	if ev.Source == contact.SystemScheduler {
		localID = ev.SubjectID
		externalID, linked, err = o.links.LookupByLocal(ctx, localID)
		return localID, externalID, linked, err
	}
	externalID = ev.SubjectID
	localID, linked, err = o.links.LookupByExternal(ctx, externalID)
	return localID, externalID, linked, err
}

func (o *Orchestrator) readSides(ctx context.Context, localID, externalID string) (sched, crm *NativeRecord, err error) {
	if localID != "" {
		rec, getErr := o.scheduler.Get(ctx, localID)
		switch {
		case getErr == nil:
			sched = &rec
		case errors.Is(getErr, ErrNotFound):
		default:
			return nil, nil, getErr
		}
	}
	if externalID != "" {
		rec, getErr := o.crm.Get(ctx, externalID)
		switch {
		case getErr == nil:
			crm = &rec
		case errors.Is(getErr, ErrNotFound):
		default:
			return nil, nil, getErr
		}
	}
	return sched, crm, nil
}

func (o *Orchestrator) applyCreate(ctx context.Context, rules ruleSnapshot, outcome Outcome, decision Decision, sched, crm *NativeRecord) Outcome {
	target := decision.Target
	sourceSys := target.Other()
	sourceRec := pick(sched, crm, sourceSys)
	if sourceRec == nil {
		outcome.Status = OutcomeFailed
		outcome.Err = fmt.Errorf("create toward %s without a source record", target)
		return outcome
	}

	canonical := rules.mapper.ToCanonical(sourceRec.Fields, sourceSys)
	fields := rules.mapper.FromCanonical(canonical, target)
	fields, conflicts := rules.resolver.ResolveFields(target, fields)
	status := o.statusFor(conflicts)
	fields[o.statusField(target)] = status

	o.warnOnDuplicate(ctx, rules, target, canonical, sourceRec.ID)

	newID, err := o.client(target).Create(ctx, fields)
	if err != nil {
		return o.failure(ctx, outcome.Event, outcome.LocalID, outcome.ExternalID, err)
	}

	localID, externalID := outcome.LocalID, outcome.ExternalID
	if target == contact.SystemCRM {
		localID, externalID = sourceRec.ID, newID
	} else {
		localID, externalID = newID, sourceRec.ID
	}
	outcome.LocalID, outcome.ExternalID = localID, externalID

	if err := o.links.Link(ctx, localID, externalID); err != nil {
		return o.failure(ctx, outcome.Event, localID, externalID, err)
	}
	if err := o.writeStatus(ctx, sourceSys, sourceRec.ID, status); err != nil {
		return o.failure(ctx, outcome.Event, localID, externalID, err)
	}

	outcome.Status = OutcomeSynced
	outcome.Conflicts = conflicts
	return outcome
}

func (o *Orchestrator) applyUpdate(ctx context.Context, rules ruleSnapshot, outcome Outcome, decision Decision, sched, crm *NativeRecord) Outcome {
	target := decision.Target
	sourceSys := target.Other()
	sourceRec := pick(sched, crm, sourceSys)
	targetRec := pick(sched, crm, target)
	if sourceRec == nil || targetRec == nil {
		outcome.Status = OutcomeFailed
		outcome.Err = fmt.Errorf("update toward %s with a missing side", target)
		return outcome
	}

	canonical := rules.mapper.ToCanonical(sourceRec.Fields, sourceSys)
	targetCanonical := rules.mapper.ToCanonical(targetRec.Fields, target)
	canonical, shieldConflicts := o.shieldPlaceholders(rules, sourceSys, canonical, targetCanonical)

	fields := rules.mapper.FromCanonical(canonical, target)
	fields, conflicts := rules.resolver.ResolveFields(target, fields)
	conflicts = append(shieldConflicts, conflicts...)
	status := o.statusFor(conflicts)

	currentStatus := targetRec.Field(o.statusField(target))
	if !o.fieldsChanged(rules, target, targetRec, fields) && !contact.StatusTransition(currentStatus, status) {
		outcome.Status = OutcomeNoop
		outcome.Conflicts = conflicts
		return outcome
	}

	fields[o.statusField(target)] = status
	if err := o.client(target).Update(ctx, targetRec.ID, fields); err != nil {
		return o.failure(ctx, outcome.Event, outcome.LocalID, outcome.ExternalID, err)
	}
	if err := o.writeStatus(ctx, sourceSys, sourceRec.ID, status); err != nil {
		return o.failure(ctx, outcome.Event, outcome.LocalID, outcome.ExternalID, err)
	}

	outcome.Status = OutcomeSynced
	outcome.Conflicts = conflicts
	return outcome
}

func (o *Orchestrator) applyDelete(ctx context.Context, outcome Outcome, decision Decision) Outcome {
	target := decision.Target
	targetID := outcome.ExternalID
	if target == contact.SystemScheduler {
		targetID = outcome.LocalID
	}
	if targetID == "" {
		outcome.Status = OutcomeNoop
		outcome.Reason = "nothing to delete"
		return outcome
	}

	opts := DeleteOptions{}
	if target == contact.SystemScheduler {
		opts.Force = o.forceDelete
	}
	err := o.client(target).Delete(ctx, targetID, opts)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return o.failure(ctx, outcome.Event, outcome.LocalID, outcome.ExternalID, err)
	}
	if err := o.links.Unlink(ctx, outcome.LocalID, outcome.ExternalID); err != nil {
		return o.failure(ctx, outcome.Event, outcome.LocalID, outcome.ExternalID, err)
	}
	outcome.Status = OutcomeSynced
	return outcome
}

// shieldPlaceholders keeps a destination's primary value when the incoming
// value is only a placeholder standing in for data the source system
// rejected.
func (o *Orchestrator) shieldPlaceholders(rules ruleSnapshot, sourceSys contact.System, incoming, current contact.Contact) (contact.Contact, []ConflictRecord) {
	var conflicts []ConflictRecord
	shield := func(canonicalField string, incomingList, currentList []string) []string {
		srcField := rules.mapper.PrimaryField(sourceSys, canonicalField)
		if srcField == "" || !rules.resolver.HasPredicate(sourceSys, srcField) {
			return incomingList
		}
		incomingPrimary := ""
		if len(incomingList) > 0 {
			incomingPrimary = incomingList[0]
		}
		currentPrimary := ""
		if len(currentList) > 0 {
			currentPrimary = currentList[0]
		}
		kept, conflict := rules.resolver.ShieldPlaceholder(sourceSys, srcField, incomingPrimary, currentPrimary)
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
		if kept == incomingPrimary {
			return incomingList
		}
		if incomingPrimary == "" {
			return append([]string{kept}, incomingList...)
		}
		out := append([]string(nil), incomingList...)
		out[0] = kept
		return out
	}
	incoming.Emails = shield("emails", incoming.Emails, current.Emails)
	incoming.Phones = shield("phones", incoming.Phones, current.Phones)
	return incoming, conflicts
}

func (o *Orchestrator) warnOnDuplicate(ctx context.Context, rules ruleSnapshot, target contact.System, canonical contact.Contact, sourceID string) {
	email := canonical.PrimaryEmail()
	if email == "" {
		return
	}
	field := rules.mapper.PrimaryField(target, "emails")
	if field == "" {
		return
	}
	matches, err := o.client(target).FindByField(ctx, field, email)
	if err != nil || len(matches) == 0 {
		return
	}
	// Conservative policy: never guess-merge two identities. Create and let
	// the operator reconcile the flagged pair.
	o.logger.Printf("possible duplicate of %s on %s (matching %s); creating a new record instead of merging", sourceID, target, field)
}

func (o *Orchestrator) fieldsChanged(rules ruleSnapshot, target contact.System, current *NativeRecord, desired map[string]any) bool {
	for _, name := range rules.mapper.NativeFields(target) {
		if !valueEqual(current.Fields[name], desired[name]) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) statusFor(conflicts []ConflictRecord) string {
	if len(conflicts) > 0 {
		return ConflictStatus(conflicts)
	}
	return contact.SyncedStatus(o.now())
}

func (o *Orchestrator) writeStatus(ctx context.Context, sys contact.System, id, status string) error {
	if id == "" {
		return nil
	}
	err := o.client(sys).Update(ctx, id, map[string]any{o.statusField(sys): status})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// failure records the error on the source record's sync status (best
// effort) and returns a failed outcome. An AlreadyLinked conflict must be
// operator-visible there; transient failures leave a breadcrumb too.
func (o *Orchestrator) failure(ctx context.Context, ev SyncEvent, localID, externalID string, err error) Outcome {
	sourceID := ev.SubjectID
	statusErr := o.writeStatus(ctx, ev.Source, sourceID, "Error: "+err.Error())
	if statusErr != nil {
		o.logger.Printf("could not record failure on %s record %s: %v", ev.Source, sourceID, statusErr)
	}
	o.logger.Printf("sync failed for %s event %s: %v", ev.Source, sourceID, err)
	if errors.Is(err, ErrFatal) {
		o.haltDirection(ev.Source, err)
	}
	return Outcome{
		Event:      ev,
		LocalID:    localID,
		ExternalID: externalID,
		Status:     OutcomeFailed,
		Err:        err,
		Retryable:  Retryable(err),
	}
}

func pick(sched, crm *NativeRecord, sys contact.System) *NativeRecord {
	if sys == contact.SystemScheduler {
		return sched
	}
	return crm
}

func lockKeys(localID, externalID string) []string {
	keys := make([]string, 0, 2)
	if localID != "" {
		keys = append(keys, "local:"+localID)
	}
	if externalID != "" {
		keys = append(keys, "external:"+externalID)
	}
	return keys
}

func valueEqual(a, b any) bool {
	as, aIsString := normalizeScalar(a)
	bs, bIsString := normalizeScalar(b)
	if aIsString && bIsString {
		return as == bs
	}
	al, aIsList := normalizeList(a)
	bl, bIsList := normalizeList(b)
	if aIsList || bIsList {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if al[i] != bl[i] {
				return false
			}
		}
		return true
	}
	return as == bs
}

func normalizeScalar(v any) (string, bool) {
	switch value := v.(type) {
	case nil:
		return "", true
	case string:
		return value, true
	default:
		return "", false
	}
}

func normalizeList(v any) ([]string, bool) {
	switch value := v.(type) {
	case []string:
		return value, true
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}
