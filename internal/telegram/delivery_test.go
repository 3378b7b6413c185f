package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	calls []sentVoice
	err   error
}

type sentVoice struct {
	chatID  int64
	path    string
	caption string
}

func (s *recordingSender) SendVoice(chatID int64, path, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, sentVoice{chatID: chatID, path: path, caption: caption})
	return nil
}

func TestDeliverSegment(t *testing.T) {
	sender := &recordingSender{}
	d := NewSegmentDeliverer(sender, 0, zerolog.Nop())

	err := d.DeliverSegment(context.Background(), "42", "/tmp/a.wav", 1, 1, "Blue - Ann")
	require.NoError(t, err)

	require.Len(t, sender.calls, 1)
	assert.Equal(t, int64(42), sender.calls[0].chatID)
	assert.Equal(t, "/tmp/a.wav", sender.calls[0].path)
	assert.Equal(t, "Blue - Ann", sender.calls[0].caption)
}

func TestDeliverSegmentNumbersMultiPart(t *testing.T) {
	sender := &recordingSender{}
	d := NewSegmentDeliverer(sender, 0, zerolog.Nop())

	require.NoError(t, d.DeliverSegment(context.Background(), "42", "/tmp/a.wav", 2, 3, "Blue"))
	require.Len(t, sender.calls, 1)
	assert.Equal(t, "Blue (2/3)", sender.calls[0].caption)
}

func TestDeliverSegmentPacesSends(t *testing.T) {
	sender := &recordingSender{}
	interval := 50 * time.Millisecond
	d := NewSegmentDeliverer(sender, interval, zerolog.Nop())

	start := time.Now()
	for i := 1; i <= 3; i++ {
		require.NoError(t, d.DeliverSegment(context.Background(), "42", "/tmp/a.wav", i, 3, "Blue"))
	}

	// First send is immediate, the remaining two each wait one interval.
	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
	assert.Len(t, sender.calls, 3)
}

func TestDeliverSegmentBadSession(t *testing.T) {
	d := NewSegmentDeliverer(&recordingSender{}, 0, zerolog.Nop())

	err := d.DeliverSegment(context.Background(), "not-a-chat", "/tmp/a.wav", 1, 1, "Blue")
	require.Error(t, err)
}

func TestDeliverSegmentRespectsContext(t *testing.T) {
	sender := &recordingSender{}
	d := NewSegmentDeliverer(sender, time.Hour, zerolog.Nop())

	// Drain the initial token so the next send has to wait.
	require.NoError(t, d.DeliverSegment(context.Background(), "42", "/tmp/a.wav", 1, 2, "Blue"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.DeliverSegment(ctx, "42", "/tmp/b.wav", 2, 2, "Blue")
	require.Error(t, err)
	assert.Len(t, sender.calls, 1)
}
