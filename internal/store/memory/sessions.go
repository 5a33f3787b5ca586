package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/session"
)

// SessionStore implements session.Repository. Units of work for one
// identity are serialized; different identities proceed in parallel.
type SessionStore struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu     sync.RWMutex
	byHash map[string]*entry
	seq    uint64
}

type entry struct {
	rec session.Record
	seq uint64
}

var _ session.Repository = (*SessionStore)(nil)

func NewSessionStore() *SessionStore {
	return &SessionStore{
		locks:  make(map[string]*sync.Mutex),
		byHash: make(map[string]*entry),
	}
}

func (s *SessionStore) identityLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// WithIdentity stages writes and applies them only if fn succeeds.
func (s *SessionStore) WithIdentity(ctx context.Context, identityID string, fn func(session.IdentityTx) error) error {
	l := s.identityLock(identityID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &identityTx{store: s, identityID: identityID, deleted: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *SessionStore) FindByTokenHash(_ context.Context, tokenHash string) (session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHash[tokenHash]
	if !ok {
		return session.Record{}, auth.ErrSessionNotFound
	}
	return e.rec, nil
}

func (s *SessionStore) Touch(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byHash[tokenHash]; ok && at.After(e.rec.LastActivity) {
		e.rec.LastActivity = at
	}
	return nil
}

func (s *SessionStore) DeleteByTokenHash(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[tokenHash]; !ok {
		return false, nil
	}
	delete(s.byHash, tokenHash)
	return true, nil
}

func (s *SessionStore) DeleteByIdentity(_ context.Context, identityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, e := range s.byHash {
		if e.rec.IdentityID == identityID {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) ListByIdentity(_ context.Context, identityID string, now time.Time) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked(identityID, now), nil
}

func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, e := range s.byHash {
		if !e.rec.Live(now) {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

// Expire rewrites the expiry of the session stored under tokenHash.
func (s *SessionStore) Expire(tokenHash string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byHash[tokenHash]
	if ok {
		e.rec.ExpiresAt = at
	}
	return ok
}

// Count returns the number of stored rows for identityID, expired included.
func (s *SessionStore) Count(identityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.byHash {
		if e.rec.IdentityID == identityID {
			n++
		}
	}
	return n
}

func (s *SessionStore) liveLocked(identityID string, now time.Time) []session.Record {
	var list []*entry
	for _, e := range s.byHash {
		if e.rec.IdentityID == identityID && e.rec.Live(now) {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].rec.CreatedAt.Equal(list[j].rec.CreatedAt) {
			return list[i].rec.CreatedAt.Before(list[j].rec.CreatedAt)
		}
		return list[i].seq < list[j].seq
	})
	out := make([]session.Record, len(list))
	for i, e := range list {
		out[i] = e.rec
	}
	return out
}

type identityTx struct {
	store      *SessionStore
	identityID string
	expiredAt  *time.Time
	deleted    map[string]struct{}
	inserts    []session.Record
}

func (t *identityTx) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	t.expiredAt = &now
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var n int64
	for _, e := range t.store.byHash {
		if e.rec.IdentityID == t.identityID && !e.rec.Live(now) {
			n++
		}
	}
	return n, nil
}

func (t *identityTx) ListLive(_ context.Context, now time.Time) ([]session.Record, error) {
	t.store.mu.RLock()
	live := t.store.liveLocked(t.identityID, now)
	t.store.mu.RUnlock()

	out := live[:0]
	for _, r := range live {
		if _, gone := t.deleted[r.ID]; !gone {
			out = append(out, r)
		}
	}
	for _, r := range t.inserts {
		if r.Live(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *identityTx) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		t.deleted[id] = struct{}{}
	}
	return nil
}

func (t *identityTx) Insert(_ context.Context, rec session.Record) error {
	if rec.IdentityID != t.identityID {
		return auth.ErrInvalidInput
	}
	t.inserts = append(t.inserts, rec)
	return nil
}

func (t *identityTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.byHash {
		if e.rec.IdentityID != t.identityID {
			continue
		}
		if _, gone := t.deleted[e.rec.ID]; gone {
			delete(s.byHash, h)
			continue
		}
		if t.expiredAt != nil && !e.rec.Live(*t.expiredAt) {
			delete(s.byHash, h)
		}
	}
	for _, rec := range t.inserts {
		s.seq++
		s.byHash[rec.TokenHash] = &entry{rec: rec, seq: s.seq}
	}
}
