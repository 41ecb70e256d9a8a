package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	defaultLockTimeout = 30 * time.Second
	lockRetryInterval  = 50 * time.Millisecond
)

// Store persists JSON documents in a single directory. Every write is
// atomic: the document is written to a uniquely named temporary file in the
// same directory and renamed over the target, so a crash mid-write leaves
// either the prior complete content or the new complete content.
//
// Mutating callers must wrap their read-modify-write in Lock, which
// serializes access both among goroutines of this process and among
// cooperating processes on the same host.
type Store struct {
	logger      *zap.Logger
	dir         string
	lockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*docLock
}

// docLock pairs the cross-process file lock with an in-process semaphore.
// flock alone does not serialize goroutines sharing the same handle.
type docLock struct {
	sem sync.Mutex
	fl  *flock.Flock
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the default lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates a document store rooted at dir, creating it if necessary.
func New(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		logger:      logger.Named("store"),
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		locks:       make(map[string]*docLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the documents.
func (s *Store) Dir() string {
	return s.dir
}

// Read unmarshals the named document into v. It returns false with a nil
// error when the document does not exist yet.
func (s *Store) Read(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read document %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode document %s: %w", name, err)
	}
	return true, nil
}

// Write atomically replaces the named document with the JSON encoding of v.
func (s *Store) Write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error("Failed to encode document",
			zap.String("document", name),
			zap.Error(err))
		return fmt.Errorf("failed to encode document %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.logger.Error("Failed to write document",
			zap.String("document", name),
			zap.Error(err))
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync document %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace document %s: %w", name, err)
	}
	return nil
}

// Lock acquires the advisory lock for the named document and returns the
// release function. A timeout yields ErrLockTimeout, which is recoverable:
// the caller should back off and retry.
func (s *Store) Lock(ctx context.Context, name string) (func(), error) {
	dl := s.docLock(name)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	acquired := make(chan struct{})
	go func() {
		dl.sem.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-lockCtx.Done():
		// The goroutine will eventually acquire and must release again.
		go func() {
			<-acquired
			dl.sem.Unlock()
		}()
		return nil, fmt.Errorf("%w: document %s", ErrLockTimeout, name)
	}

	ok, err := dl.fl.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !ok {
		dl.sem.Unlock()
		if err != nil && lockCtx.Err() == nil {
			return nil, fmt.Errorf("failed to lock document %s: %w", name, err)
		}
		return nil, fmt.Errorf("%w: document %s", ErrLockTimeout, name)
	}

	return func() {
		if err := dl.fl.Unlock(); err != nil {
			s.logger.Error("Failed to release document lock",
				zap.String("document", name),
				zap.Error(err))
		}
		dl.sem.Unlock()
	}, nil
}

func (s *Store) docLock(name string) *docLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.locks[name]
	if !ok {
		dl = &docLock{fl: flock.New(s.path(name) + ".lock")}
		s.locks[name] = dl
	}
	return dl
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}
