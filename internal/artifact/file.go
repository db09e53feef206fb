package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/locks"
	"github.com/aristath/autopilot/internal/redact"
)

const (
	taskSuffix     = ".md"
	auditSuffix    = ".audit.md"
	progressSuffix = ".progress.md"
	metaSuffix     = ".meta.yaml"
)

// FileStore keeps artifacts as files in one directory:
// <slug>.md, <slug>.audit.md, <slug>.progress.md and <slug>.meta.yaml.
type FileStore struct {
	dir   string
	locks *locks.Keyed
	now   func() time.Time
}

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{dir: dir, locks: locks.NewKeyed(), now: time.Now}, nil
}

// Dir returns the directory artifacts are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(slug, suffix string) (string, error) {
	if err := ValidSlug(slug); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, slug+suffix), nil
}

// write replaces path with content through a temp file and a rename.
func (s *FileStore) write(path, content string) error {
	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}

func (s *FileStore) writeDoc(ctx context.Context, slug, suffix, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(slug, suffix)
	if err != nil {
		return err
	}
	return s.write(path, redact.String(content))
}

func (s *FileStore) readDoc(ctx context.Context, slug, suffix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(slug, suffix)
	if err != nil {
		return "", err
	}
	return s.read(path)
}

// WriteTask implements Store.
func (s *FileStore) WriteTask(ctx context.Context, slug, content string) error {
	return s.writeDoc(ctx, slug, taskSuffix, content)
}

// ReadTask implements Store.
func (s *FileStore) ReadTask(ctx context.Context, slug string) (string, error) {
	return s.readDoc(ctx, slug, taskSuffix)
}

// WriteAudit implements Store.
func (s *FileStore) WriteAudit(ctx context.Context, slug, content string) error {
	return s.writeDoc(ctx, slug, auditSuffix, content)
}

// ReadAudit implements Store.
func (s *FileStore) ReadAudit(ctx context.Context, slug string) (string, error) {
	return s.readDoc(ctx, slug, auditSuffix)
}

// WriteProgress implements Store.
func (s *FileStore) WriteProgress(ctx context.Context, slug, content string) error {
	return s.writeDoc(ctx, slug, progressSuffix, content)
}

// ReadProgress implements Store.
func (s *FileStore) ReadProgress(ctx context.Context, slug string) (string, error) {
	return s.readDoc(ctx, slug, progressSuffix)
}

// ReadMeta implements Store.
func (s *FileStore) ReadMeta(ctx context.Context, slug string) (Meta, error) {
	raw, err := s.readDoc(ctx, slug, metaSuffix)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return Meta{}, fmt.Errorf("parsing meta for %q: %w", slug, err)
	}
	return m, nil
}

// WriteMeta implements Store. CreatedAt is kept from the existing record
// and UpdatedAt is set to now.
func (s *FileStore) WriteMeta(ctx context.Context, meta Meta) error {
	path, err := s.path(meta.Slug, metaSuffix)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if prev, err := s.ReadMeta(ctx, meta.Slug); err == nil && !prev.CreatedAt.IsZero() {
		meta.CreatedAt = prev.CreatedAt
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	meta.Goal = redact.String(meta.Goal)
	meta.Message = redact.String(meta.Message)

	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding meta for %q: %w", meta.Slug, err)
	}
	return s.write(path, string(data))
}

// ListMeta implements Store. Records are sorted by slug.
func (s *FileStore) ListMeta(ctx context.Context) ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.dir, err)
	}

	var metas []Meta
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		m, err := s.ReadMeta(ctx, strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Slug < metas[j].Slug })
	return metas, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
