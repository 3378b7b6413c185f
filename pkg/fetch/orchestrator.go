// Package fetch drives a song request end to end: select the track, resolve
// its stream URL, validate it, download, verify the payload is audio, split
// it into voice segments and hand them to the chat deliverer. Every scratch
// file allocated along the way is released on success and on every failure
// path.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/chuye/metingbot/internal/metrics"
	"github.com/chuye/metingbot/pkg/safeurl"
	"github.com/chuye/metingbot/pkg/scratch"
	"github.com/chuye/metingbot/pkg/segment"
	"github.com/chuye/metingbot/pkg/session"
	"github.com/chuye/metingbot/pkg/sniff"
)

// ErrSessionClosed means the owning session was torn down mid-request.
var ErrSessionClosed = errors.New("session torn down")

// State names a stage of the request pipeline, for logs.
type State string

const (
	StateSearching   State = "searching"
	StateResolving   State = "resolving"
	StateValidating  State = "validating"
	StateDownloading State = "downloading"
	StateSniffing    State = "sniffing"
	StateSegmenting  State = "segmenting"
	StateDelivering  State = "delivering"
)

// URLValidator applies the SSRF policy to a stream URL.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// AudioSplitter cuts a verified audio file into voice-sized segments.
type AudioSplitter interface {
	Split(ctx context.Context, src, outStem string, dur time.Duration) ([]string, error)
}

// API is the slice of the Meting client the orchestrator needs.
type API interface {
	Search(ctx context.Context, source session.Source, keyword string) ([]session.Track, error)
	Resolve(ctx context.Context, source session.Source, id string) (string, error)
}

// Deliverer receives finished voice segments. The orchestrator does not know
// or care how they are rendered in chat.
type Deliverer interface {
	DeliverSegment(ctx context.Context, sessionID, path string, seq, total int, caption string) error
}

// Limits bounds the download and segmentation behavior.
type Limits struct {
	MaxFileSize     int64
	Retries         int
	RetryDelay      time.Duration
	Concurrency     int64
	SegmentDuration time.Duration
}

// DefaultLimits mirrors the long-standing plugin defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:     50 * 1024 * 1024,
		Retries:         3,
		RetryDelay:      time.Second,
		Concurrency:     3,
		SegmentDuration: segment.DefaultDuration,
	}
}

// Result summarizes a completed play request.
type Result struct {
	Track    session.Track
	Segments int
}

// Orchestrator composes the store, tracker, validator, API client, splitter
// and deliverer into the request pipeline.
type Orchestrator struct {
	store     *session.Store
	tracker   *scratch.Tracker
	validator URLValidator
	api       API
	splitter  AudioSplitter
	deliverer Deliverer
	sem       *semaphore.Weighted
	limits    Limits
	logger    zerolog.Logger

	downloader *downloader
}

// New creates an orchestrator. All collaborators are required except the
// splitter check, which fails lazily at play time when ffmpeg is absent.
func New(
	store *session.Store,
	tracker *scratch.Tracker,
	validator URLValidator,
	api API,
	splitter AudioSplitter,
	deliverer Deliverer,
	limits Limits,
	logger zerolog.Logger,
) *Orchestrator {
	if limits.Concurrency <= 0 {
		limits.Concurrency = DefaultLimits().Concurrency
	}
	o := &Orchestrator{
		store:     store,
		tracker:   tracker,
		validator: validator,
		api:       api,
		splitter:  splitter,
		deliverer: deliverer,
		sem:       semaphore.NewWeighted(limits.Concurrency),
		limits:    limits,
		logger:    logger.With().Str("component", "fetch").Logger(),
	}
	o.downloader = newDownloader(validator, limits, o.logger)
	return o
}

// Search queries the session's active source and replaces its stored
// results. An empty result list is returned as-is, not as an error.
func (o *Orchestrator) Search(ctx context.Context, sessionID, keyword string) ([]session.Track, error) {
	source := o.store.Source(sessionID)
	logger := o.logger.With().
		Str("session", sessionID).
		Str("source", string(source)).
		Str("state", string(StateSearching)).
		Logger()

	tracks, err := o.api.Search(ctx, source, keyword)
	if err != nil {
		metrics.RecordSearch(string(source), "error")
		logger.Error().Err(err).Str("keyword", keyword).Msg("Search failed")
		return nil, err
	}

	o.store.ReplaceResults(sessionID, tracks)
	metrics.RecordSearch(string(source), "ok")
	metrics.SetActiveSessions(o.store.Len())

	logger.Info().Str("keyword", keyword).Int("results", len(tracks)).Msg("Search stored")
	return tracks, nil
}

// Play fetches and delivers the track at the 1-based index into the
// session's current results. The request aborts promptly when ctx is
// canceled or the session is torn down, and in either case every temp file
// created for the request is released before Play returns.
func (o *Orchestrator) Play(ctx context.Context, sessionID string, index int) (Result, error) {
	source := o.store.Source(sessionID)

	res, err := o.play(ctx, sessionID, index)
	if err != nil {
		metrics.RecordPlay(string(source), "error")
		return Result{}, err
	}
	metrics.RecordPlay(string(source), "ok")
	return res, nil
}

func (o *Orchestrator) play(ctx context.Context, sessionID string, index int) (Result, error) {
	requestID := uuid.NewString()
	logger := o.logger.With().
		Str("session", sessionID).
		Str("request", requestID).
		Logger()

	// Tie the request lifetime to session teardown. The done channel is
	// captured once: teardown closes this instance even though a later
	// access under the same id would lazily create a fresh session.
	done := o.store.Done(sessionID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	track, err := o.store.Select(sessionID, index)
	if err != nil {
		return Result{}, err
	}

	logger.Info().
		Str("state", string(StateResolving)).
		Str("title", track.Title).
		Str("id", track.ID).
		Msg("Resolving stream URL")

	streamURL, err := o.api.Resolve(ctx, track.Source, track.ID)
	if err != nil {
		return Result{}, err
	}

	logger.Debug().Str("state", string(StateValidating)).Msg("Validating stream URL")
	if err := o.validator.Validate(ctx, streamURL); err != nil {
		metrics.RecordRejection("unsafe_url")
		return Result{}, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Result{}, wrapCancel(done, err)
	}
	defer o.sem.Release(1)

	handle, err := o.tracker.Allocate(sessionID, "mp3")
	if err != nil {
		return Result{}, err
	}
	defer func() {
		o.tracker.Release(handle)
		metrics.SetTrackedTempFiles(o.tracker.Tracked())
	}()
	metrics.SetTrackedTempFiles(o.tracker.Tracked())

	logger.Debug().Str("state", string(StateDownloading)).Msg("Downloading audio")
	size, err := o.downloader.download(ctx, streamURL, handle.Path)
	if err != nil {
		return Result{}, wrapCancel(done, err)
	}

	logger.Debug().Str("state", string(StateSniffing)).Int64("bytes", size).Msg("Sniffing payload")
	kind, err := sniffFile(handle.Path)
	if err != nil {
		metrics.RecordRejection("unrecognized_media")
		logger.Warn().Err(err).Msg("Payload is not recognizable audio, discarding")
		return Result{}, err
	}

	caption := trackCaption(track, handle.Path)

	logger.Debug().Str("state", string(StateSegmenting)).Str("kind", string(kind)).Msg("Splitting audio")
	stem := strings.TrimSuffix(handle.Path, filepath.Ext(handle.Path))
	if err := safeurl.ValidatePath(stem, o.tracker.Dir()); err != nil {
		metrics.RecordRejection("unsafe_path")
		return Result{}, err
	}

	segments, err := o.splitter.Split(ctx, handle.Path, stem, o.limits.SegmentDuration)
	if err != nil {
		return Result{}, fmt.Errorf("segmentation failed: %w", err)
	}
	defer segment.Cleanup(segments)

	logger.Info().Str("state", string(StateDelivering)).Int("segments", len(segments)).Msg("Delivering segments")
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return Result{}, wrapCancel(done, err)
		}
		if err := o.deliverer.DeliverSegment(ctx, sessionID, seg, i+1, len(segments), caption); err != nil {
			return Result{}, fmt.Errorf("delivery of segment %d/%d failed: %w", i+1, len(segments), err)
		}
		metrics.RecordSegmentSent()
	}

	return Result{Track: track, Segments: len(segments)}, nil
}

// sniffFile reads the payload prefix from disk and classifies it.
func sniffFile(path string) (sniff.Kind, error) {
	prefix, err := readPrefix(path, sniff.PrefixLen)
	if err != nil {
		return "", err
	}
	return sniff.Detect(prefix)
}

// trackCaption prefers embedded tags over the API-reported title, falling
// back to the latter when the file carries none.
func trackCaption(track session.Track, path string) string {
	meta := sniff.ProbeFile(path)
	title, artist := meta.Title, meta.Artist
	if title == "" {
		title = track.Title
	}
	if artist == "" {
		artist = track.Artist
	}
	if artist == "" {
		return title
	}
	return title + " - " + artist
}

// wrapCancel distinguishes session teardown from plain context cancellation
// so callers can skip replying to a dead session.
func wrapCancel(done <-chan struct{}, err error) error {
	select {
	case <-done:
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	default:
		return err
	}
}
