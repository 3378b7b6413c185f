package scratch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestTracker(t *testing.T) *Tracker {
	tracker, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	return tracker
}

func TestTracker_AllocateCreatesFile(t *testing.T) {
	tracker := setupTestTracker(t)

	h, err := tracker.Allocate("chat-1", "mp3")
	require.NoError(t, err)

	info, err := os.Stat(h.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Equal(t, ".mp3", filepath.Ext(h.Path))
	assert.Equal(t, "chat-1", h.Session)
	assert.Equal(t, 1, tracker.Tracked())
}

func TestTracker_ConcurrentAllocationsAreDistinct(t *testing.T) {
	tracker := setupTestTracker(t)

	const n = 50
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := tracker.Allocate("chat-1", "wav")
			assert.NoError(t, err)
			paths <- h.Path
		}()
	}
	wg.Wait()
	close(paths)

	seen := make(map[string]bool)
	for p := range paths {
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, tracker.Tracked())
}

func TestTracker_ReleaseIsIdempotent(t *testing.T) {
	tracker := setupTestTracker(t)

	h, err := tracker.Allocate("chat-1", "mp3")
	require.NoError(t, err)

	tracker.Release(h)
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, tracker.Tracked())

	// Second release must not panic or error.
	tracker.Release(h)

	// Zero-value handle is safe too.
	tracker.Release(Handle{})
}

func TestTracker_ReleaseAll(t *testing.T) {
	tracker := setupTestTracker(t)

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, err := tracker.Allocate("chat-1", "wav")
		require.NoError(t, err)
		handles = append(handles, h)
	}
	other, err := tracker.Allocate("chat-2", "wav")
	require.NoError(t, err)

	tracker.ReleaseAll("chat-1")

	for _, h := range handles {
		_, err := os.Stat(h.Path)
		assert.True(t, os.IsNotExist(err))
	}

	// Files of other sessions are untouched.
	_, err = os.Stat(other.Path)
	assert.NoError(t, err)
	assert.Equal(t, 1, tracker.Tracked())
}

func TestTracker_SessionNameSanitized(t *testing.T) {
	tracker := setupTestTracker(t)

	h, err := tracker.Allocate("../../etc/passwd", "mp3")
	require.NoError(t, err)
	defer tracker.Release(h)

	assert.Equal(t, tracker.Dir(), filepath.Dir(h.Path))
	assert.NotContains(t, filepath.Base(h.Path), "/")
	assert.NotContains(t, filepath.Base(h.Path), "..")
}

func TestTracker_Sweep(t *testing.T) {
	tracker := setupTestTracker(t)

	// Orphan with our prefix, old enough to be swept.
	orphan := filepath.Join(tracker.Dir(), "meting_ghost_abc123.mp3")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	// Foreign file must survive regardless of age.
	foreign := filepath.Join(tracker.Dir(), "other_program.tmp")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(foreign, old, old))

	// Tracked file must survive even when old.
	h, err := tracker.Allocate("chat-1", "mp3")
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(h.Path, old, old))

	removed := tracker.Sweep(time.Hour)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(foreign)
	assert.NoError(t, err)
	_, err = os.Stat(h.Path)
	assert.NoError(t, err)
}
