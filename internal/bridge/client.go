package bridge

import (
	"context"
	"time"
)

// NativeRecord is a remote record in its system's own schema. Fields is an
// opaque flat property map; the field mapper is the only code that assigns
// meaning to its keys.
type NativeRecord struct {
	ID        string
	Fields    map[string]any
	UpdatedAt time.Time
	Deleted   bool
}

// Field returns a field as a string, with nil treated as "".
func (r NativeRecord) Field(name string) string {
	raw, ok := r.Fields[name]
	if !ok || raw == nil {
		return ""
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return ""
}

// ListOptions pages through a system's records.
type ListOptions struct {
	Cursor         string
	IncludeDeleted bool
}

// ListPage is one page of records; an empty NextCursor ends the traversal.
type ListPage struct {
	Records    []NativeRecord
	NextCursor string
}

// DeleteOptions carries the force flag. Force bypasses the remote side's
// dependency protection (for example pending appointments on a scheduler
// record); an accepted risk, chosen for simplicity over safety.
type DeleteOptions struct {
	Force bool
}

// RecordClient is the narrow transport contract per system. Implementations
// live outside the engine core; every failure carries a RemoteError kind
// from the taxonomy in errors.go. Timeouts and per-call retries are the
// client's concern, not the orchestrator's.
type RecordClient interface {
	Get(ctx context.Context, id string) (NativeRecord, error)
	Create(ctx context.Context, fields map[string]any) (string, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string, opts DeleteOptions) error
	List(ctx context.Context, opts ListOptions) (ListPage, error)
	// FindByField returns the records whose field equals value. The
	// correlation store uses it to resolve links stored as a custom
	// property.
	FindByField(ctx context.Context, field, value string) ([]NativeRecord, error)
}
