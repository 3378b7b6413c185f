package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/chuye/metingbot/internal/metrics"
	"github.com/chuye/metingbot/pkg/safeurl"
	"github.com/chuye/metingbot/pkg/sniff"
)

var (
	// ErrTooLarge means the payload exceeded the configured size cap.
	ErrTooLarge = errors.New("download exceeds size limit")

	// ErrEmptyPayload means the server answered 200 with no body.
	ErrEmptyPayload = errors.New("downloaded file is empty")

	// ErrBadContent means the response did not look like audio (content
	// type or URL extension).
	ErrBadContent = errors.New("response is not audio")

	// ErrDownload covers transport failures after retries are exhausted.
	ErrDownload = errors.New("download failed")
)

const (
	downloadTimeout = 120 * time.Second
	copyChunkSize   = 8 * 1024
)

// downloader streams a validated remote URL into a local file, enforcing
// the security and size policy on the way.
type downloader struct {
	validator URLValidator
	limits    Limits
	client    *http.Client
	logger    zerolog.Logger
}

func newDownloader(validator URLValidator, limits Limits, logger zerolog.Logger) *downloader {
	d := &downloader{
		validator: validator,
		limits:    limits,
		logger:    logger.With().Str("component", "download").Logger(),
	}
	d.client = &http.Client{
		Timeout: downloadTimeout,
		// Every redirect hop is re-validated; a safe landing URL that
		// bounces through an internal address is still a rejection.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return d.validator.Validate(req.Context(), req.URL.String())
		},
	}
	return d
}

// download fetches rawURL into destPath, retrying transient transport
// errors. Policy violations (unsafe URL, wrong content type, oversize) are
// terminal immediately; only network-level failures are retried.
func (d *downloader) download(ctx context.Context, rawURL, destPath string) (int64, error) {
	retries := d.limits.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		size, err := d.attempt(ctx, rawURL, destPath)
		if err == nil {
			return size, nil
		}
		if isTerminal(err) || ctx.Err() != nil {
			return 0, err
		}

		lastErr = err
		d.logger.Warn().Err(err).Int("attempt", attempt).Int("max", retries).Msg("Download attempt failed")
		if attempt < retries {
			select {
			case <-time.After(d.limits.RetryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrDownload, lastErr)
}

func isTerminal(err error) bool {
	return errors.Is(err, safeurl.ErrUnsafeURL) ||
		errors.Is(err, ErrBadContent) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrEmptyPayload) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (d *downloader) attempt(ctx context.Context, rawURL, destPath string) (size int64, err error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Redirect-hop rejections surface through url.Error; unwrap so the
		// caller sees the policy error, not a transport error.
		var uerr *url.Error
		if errors.As(err, &uerr) && errors.Is(uerr.Err, safeurl.ErrUnsafeURL) {
			return 0, uerr.Err
		}
		return 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !sniff.IsAudioContentType(ct) {
		return 0, fmt.Errorf("%w: content type %q", ErrBadContent, ct)
	}
	if ext := path.Ext(resp.Request.URL.Path); !sniff.IsAudioExtension(ext) {
		return 0, fmt.Errorf("%w: url extension %q", ErrBadContent, ext)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open scratch file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close scratch file: %w", cerr)
		}
	}()

	size, err = d.copyCapped(ctx, out, resp.Body)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, ErrEmptyPayload
	}

	metrics.RecordDownload(time.Since(start), size)
	d.logger.Info().Int64("bytes", size).Dur("elapsed", time.Since(start)).Msg("Download complete")
	return size, nil
}

// copyCapped copies src to dst in small chunks, failing as soon as the size
// cap is crossed rather than after the whole body arrived.
func (d *downloader) copyCapped(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	max := d.limits.MaxFileSize
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if max > 0 && total > max {
				return total, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write failed: %w", werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("%w: read interrupted: %v", ErrDownload, rerr)
		}
	}
}

// readPrefix returns up to n leading bytes of the file at path.
func readPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read payload prefix: %w", err)
	}
	return buf[:read], nil
}
