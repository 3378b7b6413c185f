package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoResults is returned by Select when the session has no search results.
	ErrNoResults = errors.New("no search results for session")

	// ErrOutOfRange is returned by Select when the index does not address the
	// current result list.
	ErrOutOfRange = errors.New("selection index out of range")
)

// Source identifies a music source supported by the Meting API.
type Source string

const (
	SourceTencent Source = "tencent"
	SourceNetease Source = "netease"
	SourceKugou   Source = "kugou"
	SourceKuwo    Source = "kuwo"
)

// DisplayName returns the human-readable name for a source.
func (s Source) DisplayName() string {
	switch s {
	case SourceTencent:
		return "QQ Music"
	case SourceNetease:
		return "NetEase Cloud Music"
	case SourceKugou:
		return "Kugou"
	case SourceKuwo:
		return "Kuwo"
	default:
		return string(s)
	}
}

// Valid reports whether s is a supported source.
func (s Source) Valid() bool {
	switch s {
	case SourceTencent, SourceNetease, SourceKugou, SourceKuwo:
		return true
	}
	return false
}

// Track is one search result. Immutable once produced by a search.
type Track struct {
	Title  string
	Artist string
	Source Source
	// ID is the opaque identifier the Meting API needs to resolve a
	// playable URL later.
	ID string
}

// TeardownHook is invoked after a session entry is removed, with the store's
// locks no longer held. The scratch tracker registers one to reclaim any
// temp files still owned by the session.
type TeardownHook func(sessionID string)

// entry is the state of one session. All fields are guarded by mu; callers
// never see an entry directly, only copies handed out by Store methods.
type entry struct {
	mu         sync.Mutex
	source     Source
	results    []Track
	lastActive time.Time
	done       chan struct{}
}

// Store maps session identifiers to their state. The outer map is guarded by
// a RWMutex held only long enough to find or insert an entry; all field
// access goes through the entry's own mutex so unrelated sessions never
// block each other.
type Store struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	defaultSource Source
	hooks         []TeardownHook
}

// NewStore creates an empty session store. Entries are created lazily by
// GetOrCreate and removed by Teardown or CleanupExpired.
func NewStore(defaultSource Source) *Store {
	if !defaultSource.Valid() {
		defaultSource = SourceNetease
	}
	return &Store{
		entries:       make(map[string]*entry),
		defaultSource: defaultSource,
	}
}

// OnTeardown registers a hook to run whenever a session is removed.
func (s *Store) OnTeardown(hook TeardownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// getOrCreate returns the live entry for sessionID, creating it with the
// default source when absent.
func (s *Store) getOrCreate(sessionID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[sessionID]; ok {
		return e
	}
	e = &entry{
		source:     s.defaultSource,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	s.entries[sessionID] = e
	log.Debug().Str("session", sessionID).Msg("Session created")
	return e
}

// Touch marks the session as recently active, creating it if needed.
func (s *Store) Touch(sessionID string) {
	e := s.getOrCreate(sessionID)
	e.mu.Lock()
	e.lastActive = time.Now()
	e.mu.Unlock()
}

// ReplaceResults atomically replaces the session's search results. The slice
// is copied, so the caller may not mutate results through its own reference
// afterwards. Concurrent replacements for the same session are serialized by
// the entry lock; the last writer wins.
func (s *Store) ReplaceResults(sessionID string, tracks []Track) {
	e := s.getOrCreate(sessionID)
	copied := make([]Track, len(tracks))
	copy(copied, tracks)

	e.mu.Lock()
	e.results = copied
	e.lastActive = time.Now()
	e.mu.Unlock()
}

// Select returns the track at the 1-based index into the session's current
// results. It fails with ErrNoResults when the session has never searched
// (or its results were cleared) and with ErrOutOfRange otherwise, so a stale
// index from a previous, longer result list can never silently select from
// newer data.
func (s *Store) Select(sessionID string, index int) (Track, error) {
	e := s.getOrCreate(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.results) == 0 {
		return Track{}, ErrNoResults
	}
	if index < 1 || index > len(e.results) {
		return Track{}, fmt.Errorf("%w: %d not in 1-%d", ErrOutOfRange, index, len(e.results))
	}
	e.lastActive = time.Now()
	return e.results[index-1], nil
}

// ResultCount returns the size of the session's current result list.
func (s *Store) ResultCount(sessionID string) int {
	e := s.getOrCreate(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.results)
}

// SetSource switches the session's active music source.
func (s *Store) SetSource(sessionID string, source Source) error {
	if !source.Valid() {
		return fmt.Errorf("unsupported source: %s", source)
	}
	e := s.getOrCreate(sessionID)
	e.mu.Lock()
	e.source = source
	e.lastActive = time.Now()
	e.mu.Unlock()

	log.Info().Str("session", sessionID).Str("source", string(source)).Msg("Source switched")
	return nil
}

// Source returns the session's active music source.
func (s *Store) Source(sessionID string) Source {
	e := s.getOrCreate(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// Done returns a channel closed when the session is torn down. In-flight
// fetches select on it to abort promptly instead of delivering to a dead
// session.
func (s *Store) Done(sessionID string) <-chan struct{} {
	e := s.getOrCreate(sessionID)
	return e.done
}

// Teardown removes the session and runs every registered teardown hook.
// Tearing down an unknown session is a no-op.
func (s *Store) Teardown(sessionID string) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if ok {
		delete(s.entries, sessionID)
	}
	hooks := s.hooks
	s.mu.Unlock()

	if !ok {
		return
	}
	close(e.done)
	for _, hook := range hooks {
		hook(sessionID)
	}
	log.Debug().Str("session", sessionID).Msg("Session torn down")
}

// TeardownAll removes every session. Used during daemon shutdown.
func (s *Store) TeardownAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Teardown(id)
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CleanupExpired tears down sessions idle for longer than maxAge and returns
// how many were removed.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.RLock()
	var expired []string
	for id, e := range s.entries {
		e.mu.Lock()
		idle := e.lastActive.Before(cutoff)
		e.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Teardown(id)
	}
	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("Expired sessions cleaned up")
	}
	return len(expired)
}
