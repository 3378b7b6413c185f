package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_MissingFFmpeg(t *testing.T) {
	s := &Splitter{}
	assert.False(t, s.Available())

	_, err := s.Split(context.Background(), "in.mp3", "out", time.Minute)
	assert.ErrorIs(t, err, ErrFFmpegMissing)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "x_segment_000.wav")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o600))

	// Mix of existing and already-gone paths.
	Cleanup([]string{a, filepath.Join(dir, "x_segment_001.wav")})

	_, err := os.Stat(a)
	assert.True(t, os.IsNotExist(err))
}
