// Package ingest validates user-supplied chime audio and hands it to the
// chime store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/reliability"
)

// Failure kinds. Each carries the localization key shown to the user.
var (
	ErrTooLarge   = &Error{Key: "file-too-large"}
	ErrDownload   = &Error{Key: "download-failed"}
	ErrBadURL     = &Error{Key: "bad-url"}
	ErrUnreadable = &Error{Key: "data-unreadable"}
	ErrDuration   = &Error{Key: "duration-exceeded"}
	ErrInternal   = &Error{Key: "internal-error"}
)

// Error is an ingest failure with a user-facing localization key.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Key
	}
	return e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Key == e.Key
}

func fail(kind *Error, err error) error {
	return &Error{Key: kind.Key, Err: err}
}

// KeyOf returns the localization key for err.
func KeyOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Key
	}
	return ErrInternal.Key
}

// Prober measures the playback length of an audio file.
type Prober interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// Config bounds accepted uploads.
type Config struct {
	// SizeLimit in bytes; negative means unlimited.
	SizeLimit   int64
	DurationMax time.Duration
	TempDir     string
	HTTPClient  *http.Client
	// Retry applies to rate limits and server errors while downloading.
	Retry reliability.Policy
}

type Ingester struct {
	store  chime.Store
	prober Prober
	cfg    Config
	log    *zap.Logger
}

func New(store chime.Store, prober Prober, cfg Config, log *zap.Logger) *Ingester {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = reliability.Policy{Attempts: 3, Base: 250 * time.Millisecond, Limit: 2 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingester{store: store, prober: prober, cfg: cfg, log: log.Named("ingest")}
}

// FromAttachment downloads an uploaded file whose size the platform already
// reported.
func (i *Ingester) FromAttachment(ctx context.Context, user domain.UserID, fileURL, filename string, size int64) error {
	if i.tooLarge(size) {
		return fail(ErrTooLarge, fmt.Errorf("attachment is %d bytes", size))
	}
	data, err := i.download(ctx, fileURL, false)
	if err != nil {
		return err
	}
	return i.Save(ctx, user, filename, data)
}

// FromURL downloads a chime from an arbitrary link. The server must report
// the content length up front.
func (i *Ingester) FromURL(ctx context.Context, user domain.UserID, link string) error {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fail(ErrBadURL, fmt.Errorf("invalid url %q", link))
	}
	data, err := i.download(ctx, u.String(), true)
	if err != nil {
		return err
	}
	return i.Save(ctx, user, filepath.Base(u.Path), data)
}

func (i *Ingester) download(ctx context.Context, link string, requireLength bool) ([]byte, error) {
	var data []byte
	err := reliability.Retry(ctx, i.cfg.Retry, func(ctx context.Context) error {
		var err error
		data, err = i.fetch(ctx, link, requireLength)
		return err
	})
	return data, err
}

func (i *Ingester) fetch(ctx context.Context, link string, requireLength bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fail(ErrBadURL, err)
	}
	resp, err := i.cfg.HTTPClient.Do(req)
	if err != nil {
		if requireLength {
			return nil, fail(ErrBadURL, err)
		}
		return nil, reliability.Transient(fail(ErrDownload, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fail(ErrDownload, fmt.Errorf("unexpected status %s", resp.Status))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			i.log.Debug("download will be retried", zap.Int("status", resp.StatusCode))
			return nil, reliability.Transient(err)
		}
		return nil, err
	}
	if requireLength && resp.ContentLength < 0 {
		return nil, fail(ErrBadURL, errors.New("no content length"))
	}
	if i.tooLarge(resp.ContentLength) {
		return nil, fail(ErrTooLarge, fmt.Errorf("content length %d", resp.ContentLength))
	}

	body := io.Reader(resp.Body)
	if i.cfg.SizeLimit >= 0 {
		body = io.LimitReader(resp.Body, i.cfg.SizeLimit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fail(ErrDownload, err)
	}
	if i.tooLarge(int64(len(data))) {
		return nil, fail(ErrTooLarge, errors.New("body exceeds limit"))
	}
	return data, nil
}

// Save probes data and stores it as the user's chime when it is readable
// audio no longer than the configured maximum.
func (i *Ingester) Save(ctx context.Context, user domain.UserID, filename string, data []byte) error {
	if i.tooLarge(int64(len(data))) {
		return fail(ErrTooLarge, fmt.Errorf("%d bytes", len(data)))
	}

	ext := filepath.Ext(filename)
	tmp := filepath.Join(i.cfg.TempDir, "chime-"+uuid.NewString()+ext)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		i.log.Error("could not write temporary file", zap.Error(err))
		return fail(ErrInternal, err)
	}
	defer os.Remove(tmp)

	length, err := i.prober.Probe(ctx, tmp)
	if err != nil {
		i.log.Info("chime data unreadable", zap.String("user", user.String()), zap.Error(err))
		return fail(ErrUnreadable, err)
	}
	if i.cfg.DurationMax > 0 && length > i.cfg.DurationMax {
		return fail(ErrDuration, fmt.Errorf("%s exceeds %s", length, i.cfg.DurationMax))
	}

	if err := i.store.Save(ctx, user, data); err != nil {
		i.log.Error("could not save chime", zap.String("user", user.String()), zap.Error(err))
		return fail(ErrInternal, err)
	}
	i.log.Info("chime updated", zap.String("user", user.String()), zap.Duration("length", length))
	return nil
}

func (i *Ingester) tooLarge(size int64) bool {
	return i.cfg.SizeLimit >= 0 && size > i.cfg.SizeLimit
}
