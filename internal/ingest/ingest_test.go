package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/reliability"
)

type memStore struct {
	mu    sync.Mutex
	saved map[domain.UserID][]byte
	err   error
}

func (m *memStore) HasData(_ context.Context, u domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.saved[u]
	return ok
}
func (m *memStore) Input(context.Context, domain.UserID) (chime.Asset, error) {
	return chime.Asset{}, chime.ErrNotAvailable
}
func (m *memStore) Save(_ context.Context, u domain.UserID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved[u] = data
	return nil
}
func (m *memStore) Clear(context.Context, domain.UserID) error { return nil }
func (m *memStore) Close() error                              { return nil }

type stubProber struct {
	length time.Duration
	err    error
	paths  []string
}

func (p *stubProber) Probe(_ context.Context, path string) (time.Duration, error) {
	p.paths = append(p.paths, path)
	return p.length, p.err
}

func newIngester(t *testing.T, prober *stubProber, limit int64) (*Ingester, *memStore) {
	t.Helper()
	store := &memStore{saved: map[domain.UserID][]byte{}}
	return New(store, prober, Config{
		SizeLimit:   limit,
		DurationMax: 5 * time.Second,
		TempDir:     t.TempDir(),
	}, zaptest.NewLogger(t)), store
}

func TestSaveAcceptsShortAudio(t *testing.T) {
	t.Parallel()
	prober := &stubProber{length: 2 * time.Second}
	in, store := newIngester(t, prober, 1024)

	require.NoError(t, in.Save(context.Background(), "1", "hello.mp3", []byte("audio")))
	assert.Equal(t, []byte("audio"), store.saved["1"])

	require.Len(t, prober.paths, 1)
	assert.Equal(t, ".mp3", prober.paths[0][len(prober.paths[0])-4:])
	_, err := os.Stat(prober.paths[0])
	assert.ErrorIs(t, err, os.ErrNotExist, "temporary file should be removed")
}

func TestSaveRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prober *stubProber
		data   []byte
		store  error
		want   *Error
	}{
		{name: "too long", prober: &stubProber{length: 6 * time.Second}, data: []byte("a"), want: ErrDuration},
		{name: "unreadable", prober: &stubProber{err: errors.New("bad data")}, data: []byte("a"), want: ErrUnreadable},
		{name: "too large", prober: &stubProber{}, data: make([]byte, 2048), want: ErrTooLarge},
		{name: "store failure", prober: &stubProber{length: time.Second}, data: []byte("a"), store: chime.ErrSave, want: ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in, store := newIngester(t, tt.prober, 1024)
			store.err = tt.store

			err := in.Save(context.Background(), "1", "x.ogg", tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want.Key, KeyOf(err))
			assert.False(t, store.HasData(context.Background(), "1"))
		})
	}
}

func TestUnlimitedSize(t *testing.T) {
	t.Parallel()
	in, store := newIngester(t, &stubProber{length: time.Second}, -1)

	require.NoError(t, in.Save(context.Background(), "1", "", make([]byte, 1<<20)))
	assert.Len(t, store.saved["1"], 1<<20)
}

func TestFromURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.mp3":
			w.Header().Set("Content-Length", "5")
			_, _ = w.Write([]byte("audio"))
		case "/big.mp3":
			w.Header().Set("Content-Length", strconv.Itoa(4096))
			_, _ = w.Write(make([]byte, 4096))
		case "/chunked.mp3":
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("audio"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name string
		link string
		want *Error
	}{
		{name: "ok", link: srv.URL + "/ok.mp3"},
		{name: "too large", link: srv.URL + "/big.mp3", want: ErrTooLarge},
		{name: "no content length", link: srv.URL + "/chunked.mp3", want: ErrBadURL},
		{name: "not found", link: srv.URL + "/missing.mp3", want: ErrDownload},
		{name: "not a url", link: "::nope", want: ErrBadURL},
		{name: "unsupported scheme", link: "ftp://example.com/a.mp3", want: ErrBadURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in, store := newIngester(t, &stubProber{length: time.Second}, 1024)

			err := in.FromURL(context.Background(), "7", tt.link)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, []byte("audio"), store.saved["7"])
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFromAttachmentChecksReportedSize(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("audio"))
	}))
	t.Cleanup(srv.Close)

	in, store := newIngester(t, &stubProber{length: time.Second}, 1024)

	err := in.FromAttachment(context.Background(), "3", srv.URL+"/a.wav", "a.wav", 4096)
	assert.ErrorIs(t, err, ErrTooLarge)
	mu.Lock()
	assert.Equal(t, 0, hits)
	mu.Unlock()

	require.NoError(t, in.FromAttachment(context.Background(), "3", srv.URL+"/a.wav", "a.wav", 5))
	assert.Equal(t, []byte("audio"), store.saved["3"])
}

func TestKeyOfUnknownError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "internal-error", KeyOf(errors.New("boom")))
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("audio"))
	}))
	t.Cleanup(srv.Close)

	store := &memStore{saved: map[domain.UserID][]byte{}}
	in := New(store, &stubProber{length: time.Second}, Config{
		SizeLimit:   1024,
		DurationMax: 5 * time.Second,
		TempDir:     t.TempDir(),
		Retry:       reliability.Policy{Attempts: 2, Base: time.Millisecond, Limit: time.Millisecond},
	}, zaptest.NewLogger(t))

	require.NoError(t, in.FromAttachment(context.Background(), "4", srv.URL+"/a.wav", "a.wav", 5))
	assert.Equal(t, []byte("audio"), store.saved["4"])
	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}
