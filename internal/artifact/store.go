// Package artifact persists the documents a run leaves behind: the task
// document reviewers read, the audit record, the progress log and a small
// meta record per task slug.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/aristath/autopilot/internal/config"
)

var (
	// ErrNotFound is returned when nothing is stored under a slug.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidSlug is returned for slugs that cannot name a document.
	ErrInvalidSlug = errors.New("invalid task slug")
)

// Status is a task's lifecycle state as recorded in its meta record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusFatalStop Status = "fatal_stop"
)

// Meta is the per-slug record that outlives a run.
type Meta struct {
	Slug       string    `yaml:"slug"`
	Status     Status    `yaml:"status"`
	RetryCount int       `yaml:"retry_count"`
	RunID      string    `yaml:"run_id"`
	Goal       string    `yaml:"goal,omitempty"`
	Message    string    `yaml:"message,omitempty"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

// Store persists task artifacts. Writes replace the previous content and
// are never visible half-written. All content is redacted before it is
// stored.
type Store interface {
	WriteTask(ctx context.Context, slug, content string) error
	ReadTask(ctx context.Context, slug string) (string, error)
	WriteAudit(ctx context.Context, slug, content string) error
	ReadAudit(ctx context.Context, slug string) (string, error)
	WriteProgress(ctx context.Context, slug, content string) error
	ReadProgress(ctx context.Context, slug string) (string, error)

	ReadMeta(ctx context.Context, slug string) (Meta, error)
	WriteMeta(ctx context.Context, meta Meta) error
	ListMeta(ctx context.Context) ([]Meta, error)

	Close() error
}

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

// ValidSlug checks that slug is safe to use as a document name.
func ValidSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return nil
}

// Open creates the store selected by cfg. Relative paths are resolved
// against root.
func Open(ctx context.Context, cfg config.StoreConfig, root string) (Store, error) {
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	switch cfg.Driver {
	case "", "file":
		return NewFileStore(resolve(cfg.Dir))
	case "sqlite":
		return NewSQLiteStore(ctx, resolve(cfg.Path))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
