package messages

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/chat"
)

const (
	DefaultWindow      = 24 * time.Hour
	DefaultMatchWindow = 10 * time.Second
)

// Outcome says how Reconcile merged a canonical message.
type Outcome string

const (
	// OutcomeDuplicate: the canonical id was already stored; the entry was refreshed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePlaceholder: the named placeholder was replaced in place.
	OutcomePlaceholder Outcome = "placeholder"
	// OutcomeMatched: an unresolved placeholder with the same sender and
	// content close in time was replaced in place.
	OutcomeMatched Outcome = "matched"
	// OutcomeAppended: nothing matched; the message was added.
	OutcomeAppended Outcome = "appended"
)

// Config tunes the visible window and the duplicate match tolerance.
type Config struct {
	Window      time.Duration
	MatchWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = DefaultMatchWindow
	}
	return c
}

type entry struct {
	msg chat.Message
	seq uint64
}

type roomLog struct {
	entries []entry
}

func (r *roomLog) indexOf(id string) int {
	return slices.IndexFunc(r.entries, func(e entry) bool { return e.msg.ID == id })
}

// Store keeps every room's messages in memory. Nothing is pruned: the rolling
// window is applied when reading.
type Store struct {
	cfg Config

	mu    sync.RWMutex
	rooms map[string]*roomLog
	seq   uint64
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:   cfg.withDefaults(),
		rooms: make(map[string]*roomLog),
	}
}

// Window returns the configured visible window.
func (s *Store) Window() time.Duration {
	return s.cfg.Window
}

func (s *Store) room(roomID string) *roomLog {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomLog{}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Store) appendLocked(r *roomLog, m chat.Message) {
	s.seq++
	r.entries = append(r.entries, entry{msg: m, seq: s.seq})
}

// InsertFetched merges a server batch. Messages whose id is already stored are
// skipped. A fetched message that matches an unresolved placeholder replaces
// it in place, so a send whose ack is still outstanding shows once. Returns
// how many were added.
func (s *Store) InsertFetched(roomID string, batch []chat.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)
	added := 0
	for _, m := range batch {
		if r.indexOf(m.ID) >= 0 {
			continue
		}
		m.RoomID = roomID
		m.Pending = false
		if i := s.matchCandidate(r, m); i >= 0 {
			if m.SenderProfile == (chat.Profile{}) {
				m.SenderProfile = r.entries[i].msg.SenderProfile
			}
			r.entries[i] = entry{msg: m, seq: r.entries[i].seq}
		} else {
			s.appendLocked(r, m)
		}
		added++
	}
	return added
}

// InsertOptimistic appends a placeholder and returns its id. An empty id is
// replaced with a fresh placeholder id.
func (s *Store) InsertOptimistic(roomID string, placeholder chat.Message) string {
	if placeholder.ID == "" {
		placeholder.ID = chat.NewPlaceholderID()
	}
	placeholder.RoomID = roomID
	placeholder.Pending = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(s.room(roomID), placeholder)
	return placeholder.ID
}

// Reconcile merges a canonical message into roomID, guaranteeing a single entry
// per logical message. placeholderID may be empty (push delivery).
func (s *Store) Reconcile(roomID string, canonical chat.Message, placeholderID string) Outcome {
	canonical.RoomID = roomID
	canonical.Pending = false

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.room(roomID)

	if i := r.indexOf(canonical.ID); i >= 0 {
		if canonical.SenderProfile == (chat.Profile{}) {
			canonical.SenderProfile = r.entries[i].msg.SenderProfile
		}
		r.entries[i] = entry{msg: canonical, seq: r.entries[i].seq}
		// The placeholder for this send must not survive as a second copy.
		if placeholderID != "" {
			if j := r.indexOf(placeholderID); j >= 0 && r.entries[j].msg.Pending {
				r.entries = slices.Delete(r.entries, j, j+1)
			}
		}
		return OutcomeDuplicate
	}

	if placeholderID != "" {
		if i := r.indexOf(placeholderID); i >= 0 {
			r.entries[i] = entry{msg: canonical, seq: r.entries[i].seq}
			return OutcomePlaceholder
		}
	}

	if i := s.matchCandidate(r, canonical); i >= 0 {
		r.entries[i] = entry{msg: canonical, seq: r.entries[i].seq}
		return OutcomeMatched
	}

	s.appendLocked(r, canonical)
	return OutcomeAppended
}

// matchCandidate finds the earliest unresolved placeholder from the same sender
// with identical content whose timestamp is within MatchWindow of m.
func (s *Store) matchCandidate(r *roomLog, m chat.Message) int {
	return slices.IndexFunc(r.entries, func(e entry) bool {
		if !e.msg.Pending || e.msg.SenderID != m.SenderID || e.msg.Content != m.Content {
			return false
		}
		d := e.msg.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		return d <= s.cfg.MatchWindow
	})
}

// Rollback removes an unresolved placeholder. Returns false if it was already
// reconciled or never existed.
func (s *Store) Rollback(roomID, placeholderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	i := r.indexOf(placeholderID)
	if i < 0 || !r.entries[i].msg.Pending {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return true
}

// VisibleMessages returns the room's messages created after now-Window, sorted
// by creation time with ties in insertion order.
func (s *Store) VisibleMessages(roomID string, now time.Time) []chat.Message {
	cutoff := now.Add(-s.cfg.Window)
	return s.collect(roomID, func(m chat.Message) bool { return m.CreatedAt.After(cutoff) })
}

// Messages returns every stored message for the room in display order,
// including those outside the window.
func (s *Store) Messages(roomID string) []chat.Message {
	return s.collect(roomID, func(chat.Message) bool { return true })
}

func (s *Store) collect(roomID string, keep func(chat.Message) bool) []chat.Message {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	picked := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.msg) {
			picked = append(picked, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(picked, func(a, b entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]chat.Message, len(picked))
	for i, e := range picked {
		out[i] = e.msg
	}
	return out
}

// Has reports whether anything was ever stored for roomID.
func (s *Store) Has(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}
