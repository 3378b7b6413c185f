package meting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuye/metingbot/pkg/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 10, zerolog.Nop())
}

func TestClient_Search(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api", r.URL.Path)
		assert.Equal(t, "netease", r.URL.Query().Get("server"))
		assert.Equal(t, "search", r.URL.Query().Get("type"))
		assert.Equal(t, "test", r.URL.Query().Get("id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"title":"Song A","author":"Artist A","id":12345,"url":"http://cdn.example.com/a.mp3"},
			{"title":"Song B","author":"Artist B","id":"67890"},
			{"title":"Song C","author":"Artist C","url":"http://cdn.example.com/c.mp3"}
		]`))
	})

	tracks, err := client.Search(context.Background(), session.SourceNetease, "test")
	require.NoError(t, err)
	require.Len(t, tracks, 3)

	assert.Equal(t, "Song A", tracks[0].Title)
	assert.Equal(t, "Artist A", tracks[0].Artist)
	assert.Equal(t, "12345", tracks[0].ID)
	assert.Equal(t, session.SourceNetease, tracks[0].Source)

	assert.Equal(t, "67890", tracks[1].ID)

	// No id: the inline URL becomes the resolve key.
	assert.Equal(t, "http://cdn.example.com/c.mp3", tracks[2].ID)
}

func TestClient_SearchEmptyIsNotAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	tracks, err := client.Search(context.Background(), session.SourceKugou, "nothing")
	require.NoError(t, err)
	assert.Empty(t, tracks)
}

func TestClient_SearchRespectsLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"title":"1"},{"title":"2"},{"title":"3"},{"title":"4"}
		]`))
	})
	client.limit = 2

	tracks, err := client.Search(context.Background(), session.SourceNetease, "x")
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

func TestClient_SearchErrors(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := client.Search(context.Background(), session.SourceNetease, "x")
		assert.ErrorIs(t, err, ErrAPI)
	})

	t.Run("bad json", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>gateway error</html>`))
		})
		_, err := client.Search(context.Background(), session.SourceNetease, "x")
		assert.ErrorIs(t, err, ErrAPI)
	})

	t.Run("unconfigured base url", func(t *testing.T) {
		client := NewClient("", 10, zerolog.Nop())
		_, err := client.Search(context.Background(), session.SourceNetease, "x")
		assert.ErrorIs(t, err, ErrAPI)
	})
}

func TestClient_Resolve(t *testing.T) {
	t.Run("json object", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "url", r.URL.Query().Get("type"))
			assert.Equal(t, "12345", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(`{"url":"http://cdn.example.com/stream.mp3"}`))
		})

		got, err := client.Resolve(context.Background(), session.SourceNetease, "12345")
		require.NoError(t, err)
		assert.Equal(t, "http://cdn.example.com/stream.mp3", got)
	})

	t.Run("bare url body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("https://cdn.example.com/stream.m4a\n"))
		})

		got, err := client.Resolve(context.Background(), session.SourceTencent, "99")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/stream.m4a", got)
	})

	t.Run("id already a url skips the api", func(t *testing.T) {
		client := NewClient("", 10, zerolog.Nop())
		got, err := client.Resolve(context.Background(), session.SourceKuwo, "http://cdn.example.com/direct.mp3")
		require.NoError(t, err)
		assert.Equal(t, "http://cdn.example.com/direct.mp3", got)
	})

	t.Run("not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		_, err := client.Resolve(context.Background(), session.SourceNetease, "404")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
