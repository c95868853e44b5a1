package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

// fakeClient is an in-memory RecordClient with per-operation counters and
// injectable failures.
type fakeClient struct {
	mu      sync.Mutex
	system  contact.System
	records map[string]NativeRecord
	nextID  int

	creates int
	updates int
	deletes int

	failWith map[string]error
}

func newFakeClient(system contact.System) *fakeClient {
	return &fakeClient{
		system:   system,
		records:  map[string]NativeRecord{},
		failWith: map[string]error{},
	}
}

func (f *fakeClient) seed(id string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = NativeRecord{ID: id, Fields: copyFields(fields), UpdatedAt: time.Now().UTC()}
}

func (f *fakeClient) record(t *testing.T, id string) NativeRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		t.Fatalf("%s record %s not found", f.system, id)
	}
	return NativeRecord{ID: rec.ID, Fields: copyFields(rec.Fields), UpdatedAt: rec.UpdatedAt, Deleted: rec.Deleted}
}

func (f *fakeClient) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.updates + f.deletes
}

func (f *fakeClient) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failWith, op)
		return
	}
	f.failWith[op] = err
}

func (f *fakeClient) injected(op string) error {
	return f.failWith[op]
}

func (f *fakeClient) Get(_ context.Context, id string) (NativeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("get"); err != nil {
		return NativeRecord{}, err
	}
	rec, ok := f.records[id]
	if !ok {
		return NativeRecord{}, &RemoteError{Kind: ErrNotFound, System: f.system, StatusCode: 404, Message: id}
	}
	return NativeRecord{ID: rec.ID, Fields: copyFields(rec.Fields), UpdatedAt: rec.UpdatedAt, Deleted: rec.Deleted}, nil
}

func (f *fakeClient) Create(_ context.Context, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("create"); err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("%s_%d", f.system, f.nextID)
	f.records[id] = NativeRecord{ID: id, Fields: copyFields(fields), UpdatedAt: time.Now().UTC()}
	f.creates++
	return id, nil
}

func (f *fakeClient) Update(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("update"); err != nil {
		return err
	}
	rec, ok := f.records[id]
	if !ok {
		return &RemoteError{Kind: ErrNotFound, System: f.system, StatusCode: 404, Message: id}
	}
	for name, value := range fields {
		rec.Fields[name] = value
	}
	rec.UpdatedAt = time.Now().UTC()
	f.records[id] = rec
	f.updates++
	return nil
}

func (f *fakeClient) Delete(_ context.Context, id string, _ DeleteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("delete"); err != nil {
		return err
	}
	rec, ok := f.records[id]
	if !ok {
		return &RemoteError{Kind: ErrNotFound, System: f.system, StatusCode: 404, Message: id}
	}
	rec.Deleted = true
	rec.UpdatedAt = time.Now().UTC()
	f.records[id] = rec
	f.deletes++
	return nil
}

func (f *fakeClient) List(_ context.Context, opts ListOptions) (ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("list"); err != nil {
		return ListPage{}, err
	}
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	page := ListPage{}
	for _, id := range ids {
		rec := f.records[id]
		if rec.Deleted && !opts.IncludeDeleted {
			continue
		}
		page.Records = append(page.Records, NativeRecord{ID: rec.ID, Fields: copyFields(rec.Fields), UpdatedAt: rec.UpdatedAt, Deleted: rec.Deleted})
	}
	return page, nil
}

func (f *fakeClient) FindByField(_ context.Context, field, value string) ([]NativeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("find"); err != nil {
		return nil, err
	}
	var matches []NativeRecord
	ids := make([]string, 0, len(f.records))
	for id := range f.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := f.records[id]
		if rec.Deleted {
			continue
		}
		if fieldMatches(rec.Fields[field], value) {
			matches = append(matches, NativeRecord{ID: rec.ID, Fields: copyFields(rec.Fields), UpdatedAt: rec.UpdatedAt})
		}
	}
	return matches, nil
}

func fieldMatches(raw any, value string) bool {
	switch v := raw.(type) {
	case string:
		return v != "" && v == value
	case []string:
		for _, item := range v {
			if item == value {
				return true
			}
		}
	}
	return false
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for name, value := range fields {
		if list, ok := value.([]string); ok {
			copied[name] = append([]string(nil), list...)
			continue
		}
		copied[name] = value
	}
	return copied
}

type testEngine struct {
	scheduler *fakeClient
	crm       *fakeClient
	links     *CorrelationStore
	orch      *Orchestrator
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	scheduler := newFakeClient(contact.SystemScheduler)
	crm := newFakeClient(contact.SystemCRM)
	links := NewCorrelationStore(crm, "")
	mapper, err := contact.NewMapper(nil)
	if err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	validator, err := contact.NewValidator(nil)
	if err != nil {
		t.Fatalf("validator failed: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Scheduler: scheduler,
		CRM:       crm,
		Links:     links,
		Mapper:    mapper,
		Resolver:  NewResolver(validator, nil),
		Logger:    log.New(io.Discard, "", 0),
		Now:       func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("orchestrator failed: %v", err)
	}
	return &testEngine{scheduler: scheduler, crm: crm, links: links, orch: orch}
}

// restartEngine builds a fresh orchestrator and correlation store over the
// same remote state, as a process restart would: every cached link and
// tombstone is gone and only the remote records remain.
func restartEngine(t *testing.T, e *testEngine) *testEngine {
	t.Helper()
	links := NewCorrelationStore(e.crm, "")
	mapper, err := contact.NewMapper(nil)
	if err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	validator, err := contact.NewValidator(nil)
	if err != nil {
		t.Fatalf("validator failed: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Scheduler: e.scheduler,
		CRM:       e.crm,
		Links:     links,
		Mapper:    mapper,
		Resolver:  NewResolver(validator, nil),
		Logger:    log.New(io.Discard, "", 0),
		Now:       func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("orchestrator failed: %v", err)
	}
	return &testEngine{scheduler: e.scheduler, crm: e.crm, links: links, orch: orch}
}

func (e *testEngine) linkedCRMID(t *testing.T, localID string) string {
	t.Helper()
	externalID, ok, err := e.links.LookupByLocal(context.Background(), localID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok {
		t.Fatalf("no link for %s", localID)
	}
	return externalID
}

func TestSyncOneCreatesCRMRecordFromScheduler(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{
		"name":    "Ada Lovelace",
		"emails":  []string{"ada@example.com", "ada2@example.com"},
		"numbers": []string{"+44 1"},
	})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated))
	if outcome.Status != OutcomeSynced || outcome.Action != ActionCreate {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	crmID := e.linkedCRMID(t, "cust_1")
	rec := e.crm.record(t, crmID)
	if rec.Field("firstname") != "Ada" || rec.Field("lastname") != "Lovelace" {
		t.Fatalf("unexpected name fields: %v", rec.Fields)
	}
	if rec.Field("email") != "ada@example.com" || rec.Field("secondary_emails") != "ada2@example.com" {
		t.Fatalf("unexpected email fields: %v", rec.Fields)
	}
	if rec.Field(DefaultLinkField) != "cust_1" {
		t.Fatalf("link property missing: %v", rec.Fields)
	}
	if !strings.HasPrefix(rec.Field(DefaultCRMStatusField), "Last synced: ") {
		t.Fatalf("crm status not stamped: %q", rec.Field(DefaultCRMStatusField))
	}
	source := e.scheduler.record(t, "cust_1")
	if !strings.HasPrefix(source.Field(DefaultSchedulerStatusField), "Last synced: ") {
		t.Fatalf("scheduler status not stamped: %q", source.Field(DefaultSchedulerStatusField))
	}
}

func TestSyncOneIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{
		"name":   "Ada Lovelace",
		"emails": []string{"ada@example.com"},
	})
	ev := NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated)
	if outcome := e.orch.SyncOne(context.Background(), ev); outcome.Status != OutcomeSynced {
		t.Fatalf("first sync failed: %+v", outcome)
	}

	schedWrites := e.scheduler.writeCount()
	crmWrites := e.crm.writeCount()
	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
	if outcome.Status != OutcomeNoop {
		t.Fatalf("repeat sync should be a noop, got %+v", outcome)
	}
	if e.scheduler.writeCount() != schedWrites || e.crm.writeCount() != crmWrites {
		t.Fatalf("noop sync must not write: sched %d->%d crm %d->%d",
			schedWrites, e.scheduler.writeCount(), crmWrites, e.crm.writeCount())
	}
}

func TestSyncOneUpdatePropagatesTowardEventTarget(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada Lovelace", "emails": []string{"ada@example.com"}})
	if outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated)); outcome.Status != OutcomeSynced {
		t.Fatalf("setup sync failed: %+v", outcome)
	}
	crmID := e.linkedCRMID(t, "cust_1")

	e.scheduler.seed("cust_1", map[string]any{"name": "Ada King", "emails": []string{"ada@example.com"}})
	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
	if outcome.Status != OutcomeSynced || outcome.Action != ActionUpdate {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	rec := e.crm.record(t, crmID)
	if rec.Field("firstname") != "Ada" || rec.Field("lastname") != "King" {
		t.Fatalf("rename did not propagate: %v", rec.Fields)
	}
}

func TestSyncOneInvalidEmailWritesPlaceholderAndErrorStatus(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada", "emails": []string{"not-an-email"}})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated))
	if outcome.Status != OutcomeSynced {
		t.Fatalf("conflicted create should still sync: %+v", outcome)
	}
	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", outcome.Conflicts)
	}

	crmID := e.linkedCRMID(t, "cust_1")
	rec := e.crm.record(t, crmID)
	if rec.Field("email") != "" {
		t.Fatalf("rejected email should become the placeholder, got %q", rec.Field("email"))
	}
	status := rec.Field(DefaultCRMStatusField)
	if !strings.Contains(status, "Error: Invalid email not-an-email") {
		t.Fatalf("status must embed the rejected value, got %q", status)
	}
	source := e.scheduler.record(t, "cust_1")
	if source.Field(DefaultSchedulerStatusField) != status {
		t.Fatalf("both sides should carry the same conflict status")
	}
}

func TestPlaceholderShieldThenRecovery(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada", "emails": []string{"not-an-email"}})
	if outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated)); outcome.Status != OutcomeSynced {
		t.Fatalf("setup sync failed: %+v", outcome)
	}
	crmID := e.linkedCRMID(t, "cust_1")

	// The placeholder flows back from the CRM, but the scheduler's value is
	// still the invalid original; it must survive.
	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemCRM, crmID, ChangeUpdated))
	if outcome.Status != OutcomeNoop {
		t.Fatalf("shielded reverse sync should converge to noop, got %+v", outcome)
	}
	source := e.scheduler.record(t, "cust_1")
	if got := source.Fields["emails"]; !reflectListEquals(got, []string{"not-an-email"}) {
		t.Fatalf("placeholder destroyed the original value: %v", got)
	}

	// The user fixes the email on the CRM; the fix and the ok status must
	// propagate back.
	if err := e.crm.Update(context.Background(), crmID, map[string]any{"email": "ada@example.com"}); err != nil {
		t.Fatalf("crm update failed: %v", err)
	}
	outcome = e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemCRM, crmID, ChangeUpdated))
	if outcome.Status != OutcomeSynced {
		t.Fatalf("recovery sync should write, got %+v", outcome)
	}
	source = e.scheduler.record(t, "cust_1")
	if got := source.Fields["emails"]; !reflectListEquals(got, []string{"ada@example.com"}) {
		t.Fatalf("fixed email did not propagate: %v", got)
	}
	if !strings.HasPrefix(source.Field(DefaultSchedulerStatusField), "Last synced: ") {
		t.Fatalf("error status did not clear: %q", source.Field(DefaultSchedulerStatusField))
	}
}

func TestSyncOneDeletePropagatesAndUnlinks(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada", "emails": []string{"ada@example.com"}})
	if outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated)); outcome.Status != OutcomeSynced {
		t.Fatalf("setup sync failed: %+v", outcome)
	}
	crmID := e.linkedCRMID(t, "cust_1")

	e.scheduler.mu.Lock()
	delete(e.scheduler.records, "cust_1")
	e.scheduler.mu.Unlock()

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeDeleted))
	if outcome.Status != OutcomeSynced || outcome.Action != ActionDelete {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if rec := e.crm.record(t, crmID); !rec.Deleted {
		t.Fatalf("crm record should be archived")
	}
	if _, ok, err := e.links.LookupByLocal(context.Background(), "cust_1"); err != nil || ok {
		t.Fatalf("link should be gone, ok=%v err=%v", ok, err)
	}
}

func TestSyncOneStaleEventIsSkipped(t *testing.T) {
	e := newTestEngine(t)
	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "ghost", ChangeUpdated))
	if outcome.Status != OutcomeSkipped {
		t.Fatalf("event for a vanished unlinked record should be skipped, got %+v", outcome)
	}
}

func TestSyncOneUnlinkedDeletionIsNoop(t *testing.T) {
	e := newTestEngine(t)
	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "ghost", ChangeDeleted))
	if outcome.Status != OutcomeNoop || outcome.Action != ActionNone {
		t.Fatalf("unlinked deletion needs no work, got %+v", outcome)
	}
}

func TestSyncOneAmbiguousLinkFailsAndMarksSource(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada", "emails": []string{"ada@example.com"}})
	e.crm.seed("crm_a", map[string]any{DefaultLinkField: "cust_1"})
	e.crm.seed("crm_b", map[string]any{DefaultLinkField: "cust_1"})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
	if outcome.Status != OutcomeFailed || !errors.Is(outcome.Err, ErrAlreadyLinked) {
		t.Fatalf("ambiguous link must fail the sync: %+v", outcome)
	}
	if outcome.Retryable {
		t.Fatalf("ambiguous link is not retryable")
	}
	source := e.scheduler.record(t, "cust_1")
	if !strings.HasPrefix(source.Field(DefaultSchedulerStatusField), "Error: ") {
		t.Fatalf("failure must be visible on the source record, got %q", source.Field(DefaultSchedulerStatusField))
	}
}

func TestSyncOneTransientReadFailureIsRetryable(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{"name": "Ada", "emails": []string{"ada@example.com"}})
	e.scheduler.fail("get", &RemoteError{Kind: ErrTransient, System: contact.SystemScheduler, Message: "boom"})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
	if outcome.Status != OutcomeFailed || !outcome.Retryable {
		t.Fatalf("transient failure should be retryable: %+v", outcome)
	}
}

func TestSyncOneCRMSourcedCreate(t *testing.T) {
	e := newTestEngine(t)
	e.crm.seed("crm_1", map[string]any{
		"firstname": "Grace",
		"lastname":  "Hopper",
		"email":     "grace@example.com",
	})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemCRM, "crm_1", ChangeCreated))
	if outcome.Status != OutcomeSynced || outcome.Action != ActionCreate {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	localID, ok, err := e.links.LookupByExternal(context.Background(), "crm_1")
	if err != nil || !ok {
		t.Fatalf("link missing after crm-sourced create: ok=%v err=%v", ok, err)
	}
	rec := e.scheduler.record(t, localID)
	if rec.Field("name") != "Grace Hopper" {
		t.Fatalf("joined name wrong: %v", rec.Fields)
	}
	if got := rec.Fields["emails"]; !reflectListEquals(got, []string{"grace@example.com"}) {
		t.Fatalf("emails wrong: %v", got)
	}
}

func reflectListEquals(raw any, want []string) bool {
	var got []string
	switch v := raw.(type) {
	case []string:
		got = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				got = append(got, s)
			}
		}
	default:
		return false
	}
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFatalFailureHaltsDirectionUntilSweep(t *testing.T) {
	e := newTestEngine(t)
	e.scheduler.seed("cust_1", map[string]any{
		"name":   "Ada Lovelace",
		"emails": []string{"ada@example.com"},
	})
	e.crm.fail("create", &RemoteError{Kind: ErrFatal, System: contact.SystemCRM, StatusCode: 401, Message: "invalid token"})

	outcome := e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated))
	if outcome.Status != OutcomeFailed || !errors.Is(outcome.Err, ErrFatal) {
		t.Fatalf("expected fatal failure, got %+v", outcome)
	}

	before := e.crm.writeCount()
	outcome = e.orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
	if outcome.Status != OutcomeSkipped || !strings.Contains(outcome.Reason, "halted") {
		t.Fatalf("expected halted direction to skip, got %+v", outcome)
	}
	if e.crm.writeCount() != before {
		t.Fatalf("halted event reached the remote")
	}

	// A sweep is the operator's recovery path: it clears the halt and, with
	// the auth problem fixed, syncs the backlog.
	e.crm.fail("create", nil)
	report := e.orch.Reconcile(context.Background())
	if report.Synced == 0 {
		t.Fatalf("sweep synced nothing: %+v", report)
	}
	if e.linkedCRMID(t, "cust_1") == "" {
		t.Fatalf("record still unlinked after sweep")
	}
}

// opGauge measures how many instrumented remote operations run at once.
type opGauge struct {
	mu        sync.Mutex
	active    int
	maxActive int
}

func (g *opGauge) track() func() {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()
	// Hold the slot long enough for an unserialized pipeline to overlap.
	time.Sleep(2 * time.Millisecond)
	return func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}
}

func (g *opGauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

// gatedClient instruments the read and write calls the sync pipeline makes
// while holding the identity lock.
type gatedClient struct {
	RecordClient
	gauge *opGauge
}

func (g *gatedClient) Get(ctx context.Context, id string) (NativeRecord, error) {
	defer g.gauge.track()()
	return g.RecordClient.Get(ctx, id)
}

func (g *gatedClient) Create(ctx context.Context, fields map[string]any) (string, error) {
	defer g.gauge.track()()
	return g.RecordClient.Create(ctx, fields)
}

func (g *gatedClient) Update(ctx context.Context, id string, fields map[string]any) error {
	defer g.gauge.track()()
	return g.RecordClient.Update(ctx, id, fields)
}

func (g *gatedClient) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	defer g.gauge.track()()
	return g.RecordClient.Delete(ctx, id, opts)
}

func TestConcurrentEventsForSameRecordDoNotInterleave(t *testing.T) {
	gauge := &opGauge{}
	scheduler := newFakeClient(contact.SystemScheduler)
	crm := newFakeClient(contact.SystemCRM)
	links := NewCorrelationStore(crm, "")
	mapper, err := contact.NewMapper(nil)
	if err != nil {
		t.Fatalf("mapper failed: %v", err)
	}
	validator, err := contact.NewValidator(nil)
	if err != nil {
		t.Fatalf("validator failed: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorOptions{
		Scheduler: &gatedClient{RecordClient: scheduler, gauge: gauge},
		CRM:       &gatedClient{RecordClient: crm, gauge: gauge},
		Links:     links,
		Mapper:    mapper,
		Resolver:  NewResolver(validator, nil),
		Logger:    log.New(io.Discard, "", 0),
		Now:       func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("orchestrator failed: %v", err)
	}

	scheduler.seed("cust_1", map[string]any{"name": "Ada Lovelace", "emails": []string{"ada@example.com"}})
	if outcome := orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeCreated)); outcome.Status != OutcomeSynced {
		t.Fatalf("setup sync failed: %+v", outcome)
	}
	scheduler.seed("cust_1", map[string]any{"name": "Ada King", "emails": []string{"ada@example.com"}})
	gauge.maxActive = 0

	// A webhook redelivery racing the original: both events target the same
	// identity, so their read-resolve-write pipelines must run one after the
	// other, never interleaved.
	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = orch.SyncOne(context.Background(), NewSyncEvent(contact.SystemScheduler, "cust_1", ChangeUpdated))
		}(i)
	}
	wg.Wait()

	if got := gauge.max(); got != 1 {
		t.Fatalf("pipelines interleaved: %d remote calls in flight for one identity", got)
	}
	synced, noops := 0, 0
	for _, outcome := range outcomes {
		switch outcome.Status {
		case OutcomeSynced:
			synced++
		case OutcomeNoop:
			noops++
		default:
			t.Fatalf("unexpected outcome: %+v", outcome)
		}
	}
	if synced != 1 || noops != 1 {
		t.Fatalf("expected one write and one noop, got synced=%d noops=%d", synced, noops)
	}
}
