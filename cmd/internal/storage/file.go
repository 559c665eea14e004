package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"goldvision/cmd/security/seal"
)

type fileEntry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type fileDoc struct {
	Version int                  `json:"version"`
	Entries map[string]fileEntry `json:"entries"`
}

// File is a Store persisted to a single JSON document on disk.
// When a passphrase is configured the document is sealed at rest.
type File struct {
	mu         sync.Mutex
	path       string
	passphrase string
	sealer     seal.Config
	doc        fileDoc
	now        func() time.Time
}

// FileOption configures a File store.
type FileOption func(*File)

// WithPassphrase seals the document with cfg under passphrase.
func WithPassphrase(passphrase string, cfg seal.Config) FileOption {
	return func(f *File) {
		f.passphrase = passphrase
		f.sealer = cfg
	}
}

// WithFileClock overrides the clock used for expiry (tests).
func WithFileClock(now func() time.Time) FileOption {
	return func(f *File) {
		if now != nil {
			f.now = now
		}
	}
}

// OpenFile loads (or initializes) the store at path.
func OpenFile(path string, opts ...FileOption) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: empty file path")
	}

	f := &File{
		path: path,
		doc:  fileDoc{Version: 1, Entries: make(map[string]fileEntry)},
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(f)
	}

	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, f.path, err)
	}

	data := raw
	if f.passphrase != "" {
		data, err = f.sealer.Open(f.passphrase, string(raw))
		if err != nil {
			return fmt.Errorf("storage: unseal %s: %w", f.path, err)
		}
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("storage: parse %s: %w", f.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]fileEntry)
	}
	f.doc = doc
	return nil
}

// flush writes the document atomically (temp file + rename). Caller holds mu.
func (f *File) flush() error {
	data, err := json.Marshal(f.doc)
	if err != nil {
		return err
	}
	if f.passphrase != "" {
		sealed, err := f.sealer.Seal(f.passphrase, data)
		if err != nil {
			return err
		}
		data = []byte(sealed)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrUnavailable, err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename temp file: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *File) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.doc.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if e.ExpiresAt != nil && !f.now().Before(*e.ExpiresAt) {
		return "", ErrNotFound
	}
	return e.Value, nil
}

func (f *File) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e := fileEntry{Value: value}
	if ttl > 0 {
		exp := f.now().Add(ttl).UTC()
		e.ExpiresAt = &exp
	}
	f.doc.Entries[key] = e
	f.pruneExpired()
	return f.flush()
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.doc.Entries[key]; !ok {
		return nil
	}
	delete(f.doc.Entries, key)
	return f.flush()
}

// Close is a no-op; every mutation is flushed eagerly.
func (f *File) Close() error { return nil }

func (f *File) pruneExpired() {
	now := f.now()
	for k, e := range f.doc.Entries {
		if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			delete(f.doc.Entries, k)
		}
	}
}
