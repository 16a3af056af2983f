package chime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/domain"
)

const fileExt = ".chime"

// FileStore keeps one file per user in a directory. The file stem is the
// user id. A volatile store removes its files on Close.
type FileStore struct {
	dir      string
	volatile bool
	log      *zap.Logger

	mu     sync.RWMutex
	chimes map[domain.UserID]string
}

var _ Store = (*FileStore)(nil)

// OpenFileStore indexes the chimes already present in dir. The directory
// must exist.
func OpenFileStore(dir string, volatile bool, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("chimes")

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDir, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDir, err)
	}

	chimes := make(map[domain.UserID]string)
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if !domain.ValidSnowflake(stem) {
			log.Warn("invalid file in chime directory", zap.String("file", name))
			continue
		}
		chimes[domain.UserID(stem)] = filepath.Join(dir, name)
	}
	if len(chimes) == 0 {
		log.Warn("no chimes found", zap.String("dir", dir))
	} else {
		log.Info("chimes indexed", zap.Int("count", len(chimes)), zap.String("dir", dir))
	}

	return &FileStore{dir: dir, volatile: volatile, log: log, chimes: chimes}, nil
}

func (s *FileStore) HasData(_ context.Context, user domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chimes[user]
	return ok
}

func (s *FileStore) Input(_ context.Context, user domain.UserID) (Asset, error) {
	s.mu.RLock()
	path, ok := s.chimes[user]
	s.mu.RUnlock()
	if !ok {
		return Asset{}, ErrNotAvailable
	}

	info, err := os.Stat(path)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrPlayback, err)
	}
	return Asset{UserID: user, Path: path, Size: info.Size()}, nil
}

// Save writes data to a temporary file and renames it over the user's
// chime, so readers never see a partial file.
func (s *FileStore) Save(ctx context.Context, user domain.UserID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !domain.ValidSnowflake(string(user)) {
		return fmt.Errorf("%w: invalid user id %q", ErrSave, user)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chime", ErrSave)
	}

	tmp := filepath.Join(s.dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrSave, err)
	}
	target := filepath.Join(s.dir, string(user)+fileExt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrSave, err)
	}
	if old, ok := s.chimes[user]; ok && old != target {
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("could not remove replaced chime", zap.String("path", old), zap.Error(err))
		}
	}
	s.chimes[user] = target
	return nil
}

// Clear removes the user's chime. Clearing a user without a chime is not an
// error.
func (s *FileStore) Clear(_ context.Context, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.chimes[user]
	if !ok {
		return nil
	}
	delete(s.chimes, user)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove chime for %s: %w", user, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	if !s.volatile {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for user, path := range s.chimes {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		delete(s.chimes, user)
	}
	return errors.Join(errs...)
}
