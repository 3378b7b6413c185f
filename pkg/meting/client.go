// Package meting is a minimal client for Meting-style music APIs: search a
// source for tracks and resolve a track to a playable stream URL. It only
// touches the slice of the protocol the bot needs; quirks of individual
// upstream sources stay on the server side of the API.
package meting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chuye/metingbot/pkg/session"
)

var (
	// ErrAPI covers network failures, non-200 responses and unparseable
	// bodies from the Meting endpoint.
	ErrAPI = errors.New("meting api error")

	// ErrNotFound means the API answered but had no stream URL for the track.
	ErrNotFound = errors.New("track not found")
)

const defaultTimeout = 120 * time.Second

// Client talks to one Meting API deployment.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	limit   int

	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a client for the API at baseURL. limit caps how many
// search results are returned (the API itself can return many more).
func NewClient(baseURL string, limit int, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger.With().Str("component", "meting").Logger(),
		limit:   limit,
	}
}

// SetBaseURL swaps the API endpoint. Used by config hot-reload.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// SetLimit changes the search result cap. Used by config hot-reload.
func (c *Client) SetLimit(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = limit
}

// searchItem is the wire shape of one search result.
type searchItem struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	URL    string `json:"url"`
	ID     any    `json:"id"`
}

// id normalizes the API's id field, which is sometimes a number and
// sometimes a string depending on the upstream source.
func (s searchItem) id() string {
	switch v := s.ID.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// Search queries source for keyword and returns tracks in API rank order.
// Zero matches is not an error: the result is an empty slice.
func (c *Client) Search(ctx context.Context, source session.Source, keyword string) ([]session.Track, error) {
	body, err := c.get(ctx, url.Values{
		"server": {string(source)},
		"type":   {"search"},
		"id":     {keyword},
	})
	if err != nil {
		return nil, err
	}

	var items []searchItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: bad search response: %v", ErrAPI, err)
	}

	c.mu.RLock()
	limit := c.limit
	c.mu.RUnlock()
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	tracks := make([]session.Track, 0, len(items))
	for _, item := range items {
		id := item.id()
		if id == "" {
			// Fall back to the direct URL as the resolve key; some sources
			// omit ids and inline the stream URL instead.
			id = item.URL
		}
		tracks = append(tracks, session.Track{
			Title:  item.Title,
			Artist: item.Author,
			Source: source,
			ID:     id,
		})
	}

	c.logger.Debug().
		Str("source", string(source)).
		Str("keyword", keyword).
		Int("results", len(tracks)).
		Msg("Search completed")

	return tracks, nil
}

// Resolve obtains the playable stream URL for a track id. When the id is
// already a URL (sources that inline it at search time) it is returned
// as-is; validation happens downstream either way.
func (c *Client) Resolve(ctx context.Context, source session.Source, id string) (string, error) {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id, nil
	}

	body, err := c.get(ctx, url.Values{
		"server": {string(source)},
		"type":   {"url"},
		"id":     {id},
	})
	if err != nil {
		return "", err
	}

	// The url endpoint answers either a JSON object with a url field or a
	// bare redirect target string.
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && obj.URL != "" {
		return obj.URL, nil
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed, nil
	}

	return "", fmt.Errorf("%w: no stream url for id %q", ErrNotFound, id)
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	c.mu.RLock()
	baseURL := c.baseURL
	c.mu.RUnlock()
	if baseURL == "" {
		return nil, fmt.Errorf("%w: api url not configured", ErrAPI)
	}

	endpoint := baseURL + "/api?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status", resp.StatusCode).Msg("Meting API returned non-200")
		return nil, fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrAPI, err)
	}
	return body, nil
}
