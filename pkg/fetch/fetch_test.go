package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuye/metingbot/pkg/safeurl"
	"github.com/chuye/metingbot/pkg/scratch"
	"github.com/chuye/metingbot/pkg/session"
)

// mp3Payload is a minimal ID3-tagged prefix followed by filler; enough for
// the sniffer, not a playable file.
var mp3Payload = append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 512)...)

type fakeAPI struct {
	mu         sync.Mutex
	tracks     []session.Track
	searchErr  error
	resolveURL string
	resolveErr error
}

func (f *fakeAPI) Search(_ context.Context, source session.Source, _ string) ([]session.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]session.Track, len(f.tracks))
	copy(out, f.tracks)
	for i := range out {
		out[i].Source = source
	}
	return out, nil
}

func (f *fakeAPI) Resolve(_ context.Context, _ session.Source, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveURL, f.resolveErr
}

// allowAll accepts every URL; the SSRF policy has its own tests.
type allowAll struct{}

func (allowAll) Validate(context.Context, string) error { return nil }

// fakeSplitter copies the source into n fake segment files.
type fakeSplitter struct {
	n   int
	err error
}

func (f *fakeSplitter) Split(_ context.Context, src, outStem string, _ time.Duration) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.n
	if n == 0 {
		n = 1
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	var paths []string
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("%s_segment_%03d.wav", outStem, i)
		if err := os.WriteFile(p, data, 0o600); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

type delivered struct {
	path    string
	seq     int
	total   int
	caption string
	existed bool
}

type recordingDeliverer struct {
	mu   sync.Mutex
	got  []delivered
	fail error
}

func (r *recordingDeliverer) DeliverSegment(_ context.Context, _ string, path string, seq, total int, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	_, err := os.Stat(path)
	r.got = append(r.got, delivered{path: path, seq: seq, total: total, caption: caption, existed: err == nil})
	return nil
}

type fixture struct {
	store     *session.Store
	tracker   *scratch.Tracker
	api       *fakeAPI
	splitter  *fakeSplitter
	deliverer *recordingDeliverer
	orch      *Orchestrator
}

func setupFixture(t *testing.T, validator URLValidator) *fixture {
	t.Helper()

	tracker, err := scratch.NewTracker(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:     session.NewStore(session.SourceNetease),
		tracker:   tracker,
		api:       &fakeAPI{},
		splitter:  &fakeSplitter{},
		deliverer: &recordingDeliverer{},
	}
	limits := DefaultLimits()
	limits.RetryDelay = time.Millisecond
	f.orch = New(f.store, tracker, validator, f.api, f.splitter, f.deliverer, limits, zerolog.Nop())
	return f
}

// scratchFiles lists leftover files in the tracker directory.
func scratchFiles(t *testing.T, tracker *scratch.Tracker) []string {
	t.Helper()
	entries, err := os.ReadDir(tracker.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestOrchestrator_SearchStoresResults(t *testing.T) {
	f := setupFixture(t, allowAll{})
	f.api.tracks = []session.Track{
		{Title: "First", Artist: "A", ID: "1"},
		{Title: "Second", Artist: "B", ID: "2"},
	}

	tracks, err := f.orch.Search(context.Background(), "chat-1", "test")
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	// Results are selectable afterwards, in rank order.
	track, err := f.store.Select("chat-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Second", track.Title)
}

func TestOrchestrator_SearchEmptyResult(t *testing.T) {
	f := setupFixture(t, allowAll{})

	tracks, err := f.orch.Search(context.Background(), "chat-1", "nothing")
	require.NoError(t, err)
	assert.Empty(t, tracks)

	_, err = f.orch.Play(context.Background(), "chat-1", 1)
	assert.ErrorIs(t, err, session.ErrNoResults)
}

func TestOrchestrator_PlayIndexValidation(t *testing.T) {
	f := setupFixture(t, allowAll{})
	f.api.tracks = []session.Track{{Title: "Only", ID: "1"}}

	_, err := f.orch.Search(context.Background(), "chat-1", "x")
	require.NoError(t, err)

	_, err = f.orch.Play(context.Background(), "chat-1", 2)
	assert.ErrorIs(t, err, session.ErrOutOfRange)

	_, err = f.orch.Play(context.Background(), "chat-1", 0)
	assert.ErrorIs(t, err, session.ErrOutOfRange)
}

func TestOrchestrator_PlayHappyPath(t *testing.T) {
	srv := newAudioServer(t, "audio/mpeg", mp3Payload)

	f := setupFixture(t, allowAll{})
	f.api.tracks = []session.Track{{Title: "Song", Artist: "Artist", ID: "1"}}
	f.api.resolveURL = srv.URL + "/stream.mp3"
	f.splitter.n = 3

	_, err := f.orch.Search(context.Background(), "chat-1", "song")
	require.NoError(t, err)

	res, err := f.orch.Play(context.Background(), "chat-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "Song", res.Track.Title)
	assert.Equal(t, 3, res.Segments)

	require.Len(t, f.deliverer.got, 3)
	for i, d := range f.deliverer.got {
		assert.Equal(t, i+1, d.seq)
		assert.Equal(t, 3, d.total)
		assert.True(t, d.existed, "segment file must exist at delivery time")
		assert.Equal(t, "Song - Artist", d.caption)
	}

	// Everything is cleaned up after the request.
	assert.Zero(t, f.tracker.Tracked())
	assert.Empty(t, scratchFiles(t, f.tracker))
}

func TestOrchestrator_UnsafeURLAbortsWithNoLeftovers(t *testing.T) {
	// Real validator: the loopback stream URL must be rejected before any
	// download happens.
	f := setupFixture(t, safeurl.New())
	f.api.tracks = []session.Track{{Title: "Song", ID: "1"}}
	f.api.resolveURL = "http://127.0.0.1/admin"

	_, err := f.orch.Search(context.Background(), "chat-1", "song")
	require.NoError(t, err)

	_, err = f.orch.Play(context.Background(), "chat-1", 1)
	assert.ErrorIs(t, err, safeurl.ErrUnsafeURL)

	assert.Zero(t, f.tracker.Tracked())
	assert.Empty(t, scratchFiles(t, f.tracker))
	assert.Empty(t, f.deliverer.got)
}

func TestOrchestrator_UnrecognizedPayloadAborts(t *testing.T) {
	srv := newAudioServer(t, "audio/mpeg", []byte("<!DOCTYPE html><html>error page</html>"))

	f := setupFixture(t, allowAll{})
	f.api.tracks = []session.Track{{Title: "Song", ID: "1"}}
	f.api.resolveURL = srv.URL + "/stream.mp3"

	_, err := f.orch.Search(context.Background(), "chat-1", "song")
	require.NoError(t, err)

	_, err = f.orch.Play(context.Background(), "chat-1", 1)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unrecognized"), err.Error())

	assert.Zero(t, f.tracker.Tracked())
	assert.Empty(t, scratchFiles(t, f.tracker))
	assert.Empty(t, f.deliverer.got)
}

func TestOrchestrator_DeliveryFailureStillCleansUp(t *testing.T) {
	srv := newAudioServer(t, "audio/mpeg", mp3Payload)

	f := setupFixture(t, allowAll{})
	f.api.tracks = []session.Track{{Title: "Song", ID: "1"}}
	f.api.resolveURL = srv.URL + "/stream.mp3"
	f.deliverer.fail = fmt.Errorf("chat transport down")

	_, err := f.orch.Search(context.Background(), "chat-1", "song")
	require.NoError(t, err)

	_, err = f.orch.Play(context.Background(), "chat-1", 1)
	assert.ErrorContains(t, err, "delivery of segment")

	assert.Zero(t, f.tracker.Tracked())
	assert.Empty(t, scratchFiles(t, f.tracker))
}

func TestOrchestrator_TeardownAbortsInFlightPlay(t *testing.T) {
	srv := newHangingAudioServer(t, "audio/mpeg")

	f := setupFixture(t, allowAll{})
	f.store.OnTeardown(f.tracker.ReleaseAll)
	f.api.tracks = []session.Track{{Title: "Song", ID: "1"}}
	f.api.resolveURL = srv.URL + "/stream.mp3"

	_, err := f.orch.Search(context.Background(), "chat-1", "song")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.orch.Play(context.Background(), "chat-1", 1)
		errCh <- err
	}()

	// Give the download time to start hanging, then kill the session.
	time.Sleep(100 * time.Millisecond)
	f.store.Teardown("chat-1")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("play did not abort after teardown")
	}

	assert.Zero(t, f.tracker.Tracked())
	assert.Empty(t, scratchFiles(t, f.tracker))
}

func TestTrackCaption(t *testing.T) {
	dir := t.TempDir()
	untagged := filepath.Join(dir, "a.mp3")
	require.NoError(t, os.WriteFile(untagged, mp3Payload, 0o600))

	// Untagged file: API metadata wins.
	got := trackCaption(session.Track{Title: "T", Artist: "A"}, untagged)
	assert.Equal(t, "T - A", got)

	got = trackCaption(session.Track{Title: "T"}, untagged)
	assert.Equal(t, "T", got)
}

func TestReadPrefix_ShortFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "short.mp3")
	require.NoError(t, os.WriteFile(p, []byte("ID3"), 0o600))

	got, err := readPrefix(p, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3"), got)
}
