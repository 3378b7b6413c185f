// Package scratch owns the lifecycle of temporary audio files. Every file a
// fetch writes goes through the Tracker, which namespaces paths per
// (session, allocation) and guarantees cleanup on release, session teardown,
// or the periodic orphan sweep.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const (
	filePrefix = "meting_"

	// tokenLength is the nanoid length for the per-allocation token. 21 is
	// the library default; enough entropy that paths in a shared temp
	// directory cannot be guessed or collided with.
	tokenLength = 21
)

// Handle identifies one tracked temporary file.
type Handle struct {
	Path      string
	Session   string
	CreatedAt time.Time
	token     string
}

// Tracker allocates and reclaims temporary files under a single scratch
// directory shared by all sessions. Exclusivity comes from unique
// per-allocation names, not directory locking.
type Tracker struct {
	dir string

	mu      sync.Mutex
	handles map[string]map[string]Handle // session -> token -> handle
}

// NewTracker creates a tracker rooted at dir, defaulting to the OS temp
// directory. The directory is created if missing.
func NewTracker(dir string) (*Tracker, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	t := &Tracker{
		dir:     dir,
		handles: make(map[string]map[string]Handle),
	}

	log.Info().Str("dir", dir).Msg("Scratch tracker initialized")
	return t, nil
}

// Dir returns the scratch directory root.
func (t *Tracker) Dir() string {
	return t.dir
}

// sanitizeSession reduces a session identifier to characters safe inside a
// file name.
func sanitizeSession(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// Allocate creates an empty temporary file owned by sessionID and returns
// its handle. Names embed the sanitized session id plus a random token, so
// concurrent allocations from any mix of sessions never collide and an
// external actor cannot predict the path. ext is used without a leading dot.
func (t *Tracker) Allocate(sessionID, ext string) (Handle, error) {
	token, err := gonanoid.New(tokenLength)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to generate scratch token: %w", err)
	}

	name := fmt.Sprintf("%s%s_%s", filePrefix, sanitizeSession(sessionID), token)
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	path := filepath.Join(t.dir, name)

	// O_EXCL so a token collision (or a planted file) fails loudly instead
	// of being silently overwritten.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Handle{}, fmt.Errorf("failed to close scratch file: %w", err)
	}

	h := Handle{
		Path:      path,
		Session:   sessionID,
		CreatedAt: time.Now(),
		token:     token,
	}

	t.mu.Lock()
	perSession, ok := t.handles[sessionID]
	if !ok {
		perSession = make(map[string]Handle)
		t.handles[sessionID] = perSession
	}
	perSession[token] = h
	t.mu.Unlock()

	log.Debug().Str("session", sessionID).Str("path", path).Msg("Scratch file allocated")
	return h, nil
}

// Release deletes the file behind h and forgets it. Safe to call multiple
// times and on zero-value handles; a missing file is not an error. Deletion
// failures are logged and swallowed so cleanup can never abort an otherwise
// successful response.
func (t *Tracker) Release(h Handle) {
	if h.token == "" {
		return
	}

	t.mu.Lock()
	perSession, ok := t.handles[h.Session]
	if ok {
		delete(perSession, h.token)
		if len(perSession) == 0 {
			delete(t.handles, h.Session)
		}
	}
	t.mu.Unlock()

	t.remove(h.Path)
}

// ReleaseAll reclaims every file still tracked for sessionID. Called on
// session teardown to cover downloads that were interrupted before their
// normal release ran.
func (t *Tracker) ReleaseAll(sessionID string) {
	t.mu.Lock()
	perSession := t.handles[sessionID]
	delete(t.handles, sessionID)
	t.mu.Unlock()

	for _, h := range perSession {
		t.remove(h.Path)
	}
	if len(perSession) > 0 {
		log.Debug().Str("session", sessionID).Int("count", len(perSession)).Msg("Scratch files released on teardown")
	}
}

// Tracked returns the number of files currently tracked across all sessions.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, perSession := range t.handles {
		n += len(perSession)
	}
	return n
}

// Sweep removes untracked files in the scratch directory that carry our
// prefix and are older than maxAge. It picks up leftovers from crashed
// processes; files belonging to other programs are never touched. Returns
// the number of files removed.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", t.dir).Msg("Scratch sweep failed to read directory")
		return 0
	}

	tracked := make(map[string]bool)
	t.mu.Lock()
	for _, perSession := range t.handles {
		for _, h := range perSession {
			tracked[h.Path] = true
		}
	}
	t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		path := filepath.Join(t.dir, e.Name())
		if tracked[path] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		t.remove(path)
		removed++
	}

	if removed > 0 {
		log.Info().Int("count", removed).Msg("Orphaned scratch files swept")
	}
	return removed
}

func (t *Tracker) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
	}
}
