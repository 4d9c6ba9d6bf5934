package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchExtractsTitleAndBody(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
			<head><title>An Article</title><script>tracking()</script></head>
			<body>
				<nav>Home | About</nav>
				<p>First    paragraph
				of the piece.</p>
				<footer>copyright</footer>
			</body>
		</html>`))
	})

	f := NewHTTPFetcher(5*time.Second, 0)
	got, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "An Article\n\n"), got)
	assert.Contains(t, got, "First paragraph of the piece.")
	assert.NotContains(t, got, "tracking")
	assert.NotContains(t, got, "Home | About")
	assert.NotContains(t, got, "copyright")
}

func TestFetchTruncatesLongBodies(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>" + strings.Repeat("x", 500) + "</body></html>"))
	})

	f := NewHTTPFetcher(5*time.Second, 100)
	got, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestFetchTruncationKeepsValidUTF8(t *testing.T) {
	// 3-byte runes with a cap that is not a multiple of 3, so a byte-index
	// cut would land mid-rune and the persisted text would be rejected as
	// invalid UTF-8 downstream.
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>" + strings.Repeat("日", 50) + "</body></html>"))
	})

	f := NewHTTPFetcher(5*time.Second, 100)
	got, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got), "truncated content must stay valid UTF-8")
	assert.LessOrEqual(t, len(got), 100)
	assert.Equal(t, 99, len(got), "cut backs up to the previous rune boundary")
}

func TestFetchEmptyPageFallsBack(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><script>only()</script></body></html>"))
	})

	f := NewHTTPFetcher(5*time.Second, 0)
	got, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "No content found", got)
}

func TestFetchNon2xxIsAnError(t *testing.T) {
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})

	f := NewHTTPFetcher(5*time.Second, 0)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 410")
}

func TestFetchSendsUserAgent(t *testing.T) {
	var ua string
	srv := serve(t, func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html><body>hello there</body></html>"))
	})

	f := NewHTTPFetcher(5*time.Second, 0)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, ua, "Mozilla/5.0")
}
