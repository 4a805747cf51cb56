package session

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/google/uuid"
)

// Event reports a write to the store. Session is nil when the record was
// deleted.
type Event struct {
	UserID  string
	Session *Session
}

// Store persists one session record per user. Get returns (nil, nil) when
// the user has no record.
type Store interface {
	Get(ctx context.Context, userID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
	// Subscribe delivers an Event for every Put and Delete made after the
	// call. Slow subscribers may miss events.
	Subscribe() (string, <-chan Event)
	Unsubscribe(id string)
}

// UserTotalsStore is implemented by stores that keep lifetime totals.
type UserTotalsStore interface {
	AddToUserTotals(ctx context.Context, userID string, d Deposit) (*UserTotals, error)
	UserTotals(ctx context.Context, userID string) (*UserTotals, error)
}

// HistoryStore is implemented by stores that keep finished sessions.
type HistoryStore interface {
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// History returns the most recent entries for userID, newest first.
	// An empty userID returns entries for all users.
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
}

const eventBuffer = 32

// Broadcaster fans Events out to subscribers. Store implementations embed
// it to provide Subscribe and Unsubscribe.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Event
}

func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string]chan Event)
	}
	id := uuid.NewString()
	ch := make(chan Event, eventBuffer)
	b.subs[id] = ch
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			monitoring.Debugf("session: subscriber %s full, dropped event for %s", id, ev.UserID)
		}
	}
}

// CloseAll closes every subscriber channel.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// MemoryStore keeps everything in process. It backs tests and runs without
// a database.
type MemoryStore struct {
	Broadcaster

	mu       sync.Mutex
	sessions map[string]*Session
	totals   map[string]*UserTotals
	history  []HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		totals:   make(map[string]*UserTotals),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID].Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	m.sessions[s.UserID] = s.Clone()
	m.mu.Unlock()
	m.Publish(Event{UserID: s.UserID, Session: s.Clone()})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	_, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		m.Publish(Event{UserID: userID})
	}
	return nil
}

func (m *MemoryStore) AddToUserTotals(_ context.Context, userID string, d Deposit) (*UserTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.totals[userID]
	if !ok {
		t = &UserTotals{UserID: userID}
		m.totals[userID] = t
	}
	t.Add(d)
	return copyTotals(t), nil
}

func (m *MemoryStore) UserTotals(_ context.Context, userID string) (*UserTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.totals[userID]
	if !ok {
		return nil, nil
	}
	return copyTotals(t), nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.history {
		if userID == "" || e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndTime.After(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyTotals(t *UserTotals) *UserTotals {
	c := *t
	c.MaterialKg = make(map[string]float64, len(t.MaterialKg))
	for k, v := range t.MaterialKg {
		c.MaterialKg[k] = v
	}
	return &c
}
