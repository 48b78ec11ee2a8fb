package submission

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// Session is the state one browser sees: the feed, the in-flight draft and the last sync error
type Session struct {
	ID string

	mu        sync.RWMutex
	feed      []models.WasteReport
	pending   *models.WasteReport
	syncError string
	lastSeen  time.Time

	refreshMu sync.Mutex
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:       id,
		feed:     make([]models.WasteReport, 0),
		lastSeen: now,
	}
}

// Feed returns a copy of the session feed, most recent first
func (s *Session) Feed() []models.WasteReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := make([]models.WasteReport, len(s.feed))
	copy(feed, s.feed)
	return feed
}

// Pending returns a copy of the in-flight draft, or nil when idle
func (s *Session) Pending() *models.WasteReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return nil
	}
	draft := *s.pending
	return &draft
}

// SyncError is the message of the last failed refresh, empty after a successful one
func (s *Session) SyncError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncError
}

// Stats computes the counters over the current feed
func (s *Session) Stats(now time.Time) models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeStats(s.feed, now)
}

func (s *Session) setPending(draft *models.WasteReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = draft
}

func (s *Session) setPendingStatus(status models.ReportStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Status = status
	}
}

func (s *Session) prepend(report models.WasteReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append([]models.WasteReport{report}, s.feed...)
}

// replaceFeed adopts reports without copying. Feeds are never modified in place, so the slice may be shared.
func (s *Session) replaceFeed(reports []models.WasteReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reports == nil {
		reports = make([]models.WasteReport, 0)
	}
	s.feed = reports
	s.syncError = ""
}

func (s *Session) setSyncError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncError = msg
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// DefaultMaxSessions bounds a Registry built with NewRegistry
const DefaultMaxSessions = 10000

// Registry maps session cookies to sessions. Once full, the least recently seen session is evicted.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*list.Element
	order    *list.List // front is the most recently seen
	max      int
	now      func() time.Time
}

// NewRegistry creates an empty registry holding at most DefaultMaxSessions sessions
func NewRegistry() *Registry {
	return NewBoundedRegistry(DefaultMaxSessions)
}

// NewBoundedRegistry creates an empty registry holding at most max sessions
func NewBoundedRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Registry{
		sessions: make(map[string]*list.Element),
		order:    list.New(),
		max:      max,
		now:      time.Now,
	}
}

// Lookup returns the session for id and marks it as seen
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	el, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	r.order.MoveToFront(el)
	s := el.Value.(*Session)
	r.mu.Unlock()

	s.touch(r.now())
	return s, true
}

// Create registers a session under a fresh random id
func (r *Registry) Create() *Session {
	s := newSession(uuid.New().String(), r.now())

	r.mu.Lock()
	evicted := 0
	for r.order.Len() >= r.max {
		r.removeLocked(r.order.Back())
		evicted++
	}
	r.sessions[s.ID] = r.order.PushFront(s)
	r.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Int("max", r.max).Msg("Session registry full, evicted oldest")
	}
	return s
}

func (r *Registry) removeLocked(el *list.Element) {
	s := r.order.Remove(el).(*Session)
	delete(r.sessions, s.ID)
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Sweep drops sessions not seen for maxIdle and returns how many were removed
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for el := r.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Session).idleSince().Before(cutoff) {
			r.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}
