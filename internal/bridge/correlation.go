package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultLinkField is the CRM custom property holding the scheduler record
// id. The property is the durable correlation link: it survives restarts
// without any extra storage, and it is the single source of truth for
// "is this record already synced".
const DefaultLinkField = "scheduler_uri"

// CorrelationStore maintains the identity mapping between the two systems.
// Physically the link lives on the CRM record; this type adds the link
// invariants (one-to-one, never silently replaced) and read-after-write
// consistency for links it just wrote. Its mutex is the engine's sole
// cross-record serialization point.
type CorrelationStore struct {
	crm       RecordClient
	linkField string

	mu          sync.Mutex
	byLocal     map[string]string
	byExternal  map[string]string
	unlinkTombs map[string]bool
}

func NewCorrelationStore(crm RecordClient, linkField string) *CorrelationStore {
	if strings.TrimSpace(linkField) == "" {
		linkField = DefaultLinkField
	}
	return &CorrelationStore{
		crm:         crm,
		linkField:   linkField,
		byLocal:     map[string]string{},
		byExternal:  map[string]string{},
		unlinkTombs: map[string]bool{},
	}
}

// LinkField returns the CRM property name carrying the link.
func (s *CorrelationStore) LinkField() string {
	return s.linkField
}

// LookupByLocal resolves a scheduler id to its linked CRM id. The second
// return is false when no link exists. Remote reads may lag; links written
// through this store are always visible immediately.
func (s *CorrelationStore) LookupByLocal(ctx context.Context, localID string) (string, bool, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	if externalID, ok := s.byLocal[localID]; ok {
		s.mu.Unlock()
		return externalID, true, nil
	}
	tombstoned := s.unlinkTombs["local:"+localID]
	s.mu.Unlock()
	if tombstoned {
		return "", false, nil
	}

	matches, err := s.crm.FindByField(ctx, s.linkField, localID)
	if err != nil {
		return "", false, err
	}
	switch len(matches) {
	case 0:
		return "", false, nil
	case 1:
		return matches[0].ID, true, nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		return "", false, fmt.Errorf("%w: scheduler id %s claimed by CRM records %s",
			ErrAlreadyLinked, localID, strings.Join(ids, ", "))
	}
}

// LookupByExternal resolves a CRM id to its linked scheduler id.
func (s *CorrelationStore) LookupByExternal(ctx context.Context, externalID string) (string, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	if localID, ok := s.byExternal[externalID]; ok {
		s.mu.Unlock()
		return localID, true, nil
	}
	tombstoned := s.unlinkTombs["external:"+externalID]
	s.mu.Unlock()
	if tombstoned {
		return "", false, nil
	}

	rec, err := s.crm.Get(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	localID := strings.TrimSpace(rec.Field(s.linkField))
	if localID == "" {
		return "", false, nil
	}
	return localID, true, nil
}

// Link establishes the durable (localID, externalID) pair by writing the
// link property onto the CRM record. It fails with ErrAlreadyLinked when
// either id already participates in a different link; an existing link is
// never clobbered, because doing so would silently confuse two identities.
func (s *CorrelationStore) Link(ctx context.Context, localID, externalID string) error {
	localID = strings.TrimSpace(localID)
	externalID = strings.TrimSpace(externalID)
	if localID == "" || externalID == "" {
		return ErrInvalidInput
	}

	if existing, ok, err := s.LookupByLocal(ctx, localID); err != nil {
		return err
	} else if ok && existing != externalID {
		return fmt.Errorf("%w: scheduler id %s is linked to CRM record %s", ErrAlreadyLinked, localID, existing)
	}
	if existing, ok, err := s.LookupByExternal(ctx, externalID); err != nil {
		return err
	} else if ok && existing != localID {
		return fmt.Errorf("%w: CRM record %s is linked to scheduler id %s", ErrAlreadyLinked, externalID, existing)
	}

	if err := s.crm.Update(ctx, externalID, map[string]any{s.linkField: localID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.byLocal[localID] = externalID
	s.byExternal[externalID] = localID
	delete(s.unlinkTombs, "local:"+localID)
	delete(s.unlinkTombs, "external:"+externalID)
	s.mu.Unlock()
	return nil
}

// RestoreLink primes the lookup cache with a link read directly off a
// record, typically an archived CRM record whose properties a sweep
// enumerated but server-side search can no longer reach. It writes nothing
// remotely, and it refuses to revive a pair this store already unlinked;
// an archived record keeps its stale link property forever.
func (s *CorrelationStore) RestoreLink(localID, externalID string) {
	localID = strings.TrimSpace(localID)
	externalID = strings.TrimSpace(externalID)
	if localID == "" || externalID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlinkTombs["local:"+localID] || s.unlinkTombs["external:"+externalID] {
		return
	}
	s.byLocal[localID] = externalID
	s.byExternal[externalID] = localID
}

// Unlink removes the pair once both sides have confirmed deletion. Either
// id may be empty; the other is resolved first. A missing CRM record is
// fine, its deletion already destroyed the stored link.
func (s *CorrelationStore) Unlink(ctx context.Context, localID, externalID string) error {
	localID = strings.TrimSpace(localID)
	externalID = strings.TrimSpace(externalID)
	if localID == "" && externalID == "" {
		return ErrInvalidInput
	}
	if externalID == "" {
		resolved, ok, err := s.LookupByLocal(ctx, localID)
		if err != nil {
			return err
		}
		if ok {
			externalID = resolved
		}
	}
	if localID == "" && externalID != "" {
		resolved, ok, err := s.LookupByExternal(ctx, externalID)
		if err != nil {
			return err
		}
		if ok {
			localID = resolved
		}
	}

	if externalID != "" {
		err := s.crm.Update(ctx, externalID, map[string]any{s.linkField: ""})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	s.mu.Lock()
	if localID != "" {
		delete(s.byLocal, localID)
		s.unlinkTombs["local:"+localID] = true
	}
	if externalID != "" {
		delete(s.byExternal, externalID)
		s.unlinkTombs["external:"+externalID] = true
	}
	s.mu.Unlock()
	return nil
}
