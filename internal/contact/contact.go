package contact

import (
	"strings"
	"time"
)

// System identifies one of the two record stores the bridge keeps in sync.
type System string

const (
	// SystemScheduler is the scheduling side (system A); its record ids are
	// the canonical LocalID.
	SystemScheduler System = "scheduler"
	// SystemCRM is the CRM side (system B); its record ids are the canonical
	// ExternalID.
	SystemCRM System = "crm"
)

func (s System) Valid() bool {
	return s == SystemScheduler || s == SystemCRM
}

// Other returns the opposite system.
func (s System) Other() System {
	if s == SystemScheduler {
		return SystemCRM
	}
	return SystemScheduler
}

// Contact is the system-agnostic representation of a person record. The
// first entry of Emails and Phones is the primary value; the remainder are
// secondary values that map into overflow fields on systems without native
// multi-value support.
type Contact struct {
	LocalID    string
	ExternalID string
	Name       Name
	Emails     []string
	Phones     []string
	Extra      map[string]string
	SyncStatus string
	DeletedAt  *time.Time
}

// Name is a structured person name. The scheduler stores it as a single
// joined string; the CRM splits it into first/last fields.
type Name struct {
	First string
	Last  string
}

// Full joins the name parts with a single space, omitting the spacer when
// either part is empty.
func (n Name) Full() string {
	spacer := ""
	if n.First != "" && n.Last != "" {
		spacer = " "
	}
	return n.First + spacer + n.Last
}

// SplitFullName splits a joined name on the first space: the leading token
// becomes First and everything after it Last.
func SplitFullName(full string) Name {
	full = strings.TrimSpace(full)
	if full == "" {
		return Name{}
	}
	idx := strings.Index(full, " ")
	if idx < 0 {
		return Name{First: full}
	}
	return Name{First: full[:idx], Last: full[idx+1:]}
}

// PrimaryEmail returns the first email or "".
func (c Contact) PrimaryEmail() string {
	if len(c.Emails) == 0 {
		return ""
	}
	return c.Emails[0]
}

// EqualSyncable reports whether two canonical projections carry the same
// syncable data. Identity fields, SyncStatus and DeletedAt are excluded;
// they are bookkeeping, not contact data.
func EqualSyncable(a, b Contact) bool {
	if a.Name != b.Name {
		return false
	}
	if !equalStrings(a.Emails, b.Emails) || !equalStrings(a.Phones, b.Phones) {
		return false
	}
	if len(a.Extra) != len(b.Extra) {
		return false
	}
	for k, v := range a.Extra {
		if b.Extra[k] != v {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const (
	syncedStatusPrefix = "Last synced: "
	errorStatusMarker  = "Error"
)

// SyncedStatus returns the status string stamped on a record after a
// successful sync.
func SyncedStatus(now time.Time) string {
	return syncedStatusPrefix + now.UTC().Format(time.RFC3339)
}

// IsErrorStatus reports whether a sync status string records a conflict or
// failure rather than a successful sync.
func IsErrorStatus(status string) bool {
	return strings.Contains(status, errorStatusMarker)
}

// StatusTransition reports whether moving from current to next crosses
// between an error state and an ok state. Plain timestamp refreshes return
// false so that status stamping alone never forces a remote write.
func StatusTransition(current, next string) bool {
	if current == next {
		return false
	}
	return IsErrorStatus(current) || IsErrorStatus(next)
}
