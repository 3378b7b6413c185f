// Package segment splits a verified audio file into fixed-duration chunks
// sized for chat voice-message limits. The actual transcoding is delegated
// to ffmpeg's segment muxer.
package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrFFmpegMissing is returned when ffmpeg was not found on PATH.
var ErrFFmpegMissing = errors.New("ffmpeg not found")

// DefaultDuration is the per-segment length when none is configured.
const DefaultDuration = 120 * time.Second

// Splitter shells out to ffmpeg to cut audio into voice-sized segments.
type Splitter struct {
	ffmpegPath string
}

// NewSplitter locates ffmpeg on PATH. A missing binary is not fatal at
// construction time (the daemon should still start and serve searches);
// Split fails with ErrFFmpegMissing instead.
func NewSplitter() *Splitter {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		log.Warn().Msg("ffmpeg not found on PATH; song playback will be unavailable")
		return &Splitter{}
	}

	log.Info().Str("path", path).Msg("ffmpeg located")
	return &Splitter{ffmpegPath: path}
}

// Available reports whether ffmpeg was found.
func (s *Splitter) Available() bool {
	return s.ffmpegPath != ""
}

// Split cuts src into mono 24 kHz wav segments of at most dur each, writing
// them as <stem>_segment_NNN.wav next to outStem. It returns the segment
// paths in playback order. The caller owns the output files.
func (s *Splitter) Split(ctx context.Context, src, outStem string, dur time.Duration) ([]string, error) {
	if s.ffmpegPath == "" {
		return nil, ErrFFmpegMissing
	}
	if dur <= 0 {
		dur = DefaultDuration
	}

	pattern := outStem + "_segment_%03d.wav"
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", src,
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(dur.Seconds())),
		"-c:a", "pcm_s16le",
		"-ar", "24000",
		"-ac", "1",
		"-y",
		pattern,
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg segmentation failed: %w: %s", err, string(out))
	}

	matches, err := filepath.Glob(outStem + "_segment_*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no segments for %s", src)
	}
	sort.Strings(matches)

	log.Debug().Str("src", src).Int("segments", len(matches)).Msg("Audio split into segments")
	return matches, nil
}

// Cleanup removes segment files produced by Split. Missing files are ignored.
func Cleanup(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p).Msg("Failed to remove segment file")
		}
	}
}
