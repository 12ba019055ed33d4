// Package workspace provides request-scoped arenas: one private directory per
// pipeline run holding the generated scripts and the artifacts they write.
// Concurrent runs never share a path.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"scrapeqa/internal/logging"
)

// Well-known names inside an arena.
const (
	ScraperScript  = "scraper"
	AnalysisScript = "analysis"
	ScrapedCSV     = "scraped_data.csv"
	ScrapedJSON    = "scraped_data.json"
	AnswerJSON     = "answer.json"
	QuestionFile   = "question.txt"
	AttachmentsDir = "attachments"
)

// ErrClosed is returned by arena operations after Close.
var ErrClosed = errors.New("workspace: arena closed")

// Manager creates arenas under a root directory.
type Manager struct {
	root string
	keep bool
}

// NewManager returns a manager rooted at root. An empty root means
// os.TempDir()/scrapeqa. With keep set, arenas survive Close.
func NewManager(root string, keep bool) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "scrapeqa")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: abs, keep: keep}, nil
}

// Root returns the directory arenas are created in.
func (m *Manager) Root() string { return m.root }

// New creates a fresh arena named by a random uuid.
func (m *Manager) New(ctx context.Context) (*Arena, error) {
	return m.NewWithID(ctx, uuid.NewString())
}

// NewWithID creates an arena with the given id (typically the run id).
func (m *Manager) NewWithID(ctx context.Context, id string) (*Arena, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id = sanitizeName(id)
	if id == "" || id == "." || id == ".." {
		return nil, fmt.Errorf("workspace: empty arena id")
	}

	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create arena: %w", err)
	}
	logging.WorkspaceDebug("Created arena %s", dir)
	return &Arena{id: id, dir: dir, keep: m.keep}, nil
}

// Arena is one run's private directory.
type Arena struct {
	id   string
	dir  string
	keep bool

	mu     sync.RWMutex
	closed bool
}

// ID returns the arena identifier.
func (a *Arena) ID() string { return a.id }

// Dir returns the arena directory.
func (a *Arena) Dir() string { return a.dir }

// Path returns the absolute path of name inside the arena. Names are cleaned
// as if rooted at the arena, so ".." cannot climb out of it.
func (a *Arena) Path(name string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(name))
	return filepath.Join(a.dir, clean)
}

func (a *Arena) check() error {
	if a.closed {
		return ErrClosed
	}
	return nil
}

// WriteFile writes data to name, creating parent directories.
func (a *Arena) WriteFile(name string, data []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return err
	}
	path := a.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// ReadFile reads name from the arena.
func (a *Arena) ReadFile(name string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return nil, err
	}
	return os.ReadFile(a.Path(name))
}

// Exists reports whether name exists as a regular file.
func (a *Arena) Exists(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	info, err := os.Stat(a.Path(name))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes name. A missing file is not an error.
func (a *Arena) Remove(name string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return err
	}
	if err := os.Remove(a.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// SaveAttachment stores an uploaded file under attachments/ and returns its
// arena-relative name. The client-supplied filename is sanitized; when the
// name is already taken a numeric suffix is added ("data-1.csv").
func (a *Arena) SaveAttachment(filename string, r io.Reader) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return "", err
	}

	base := sanitizeName(filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/"))))
	if base == "" || base == "." || base == ".." {
		base = "attachment"
	}
	if err := os.MkdirAll(a.Path(AttachmentsDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create attachments dir: %w", err)
	}

	name, f, err := a.createAttachment(base)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to store attachment %s: %w", base, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to store attachment %s: %w", base, err)
	}
	return name, nil
}

// maxAttachmentSuffix bounds the search for a free attachment name.
const maxAttachmentSuffix = 1000

// createAttachment exclusively creates attachments/base, or base with the
// first free numeric suffix before its extension.
func (a *Arena) createAttachment(base string) (string, *os.File, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 0; n < maxAttachmentSuffix; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		name := filepath.ToSlash(filepath.Join(AttachmentsDir, candidate))
		f, err := os.OpenFile(a.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			if n > 0 {
				logging.WorkspaceDebug("Attachment %s renamed to %s", base, candidate)
			}
			return name, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, fmt.Errorf("failed to create attachment: %w", err)
		}
	}
	return "", nil, fmt.Errorf("failed to create attachment %s: too many files with that name", base)
}

// Close releases the arena, removing its directory unless the manager was
// configured to keep arenas. Close is idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.keep {
		logging.Workspace("Keeping arena %s", a.dir)
		return nil
	}
	if err := os.RemoveAll(a.dir); err != nil {
		logging.WorkspaceWarn("Failed to remove arena %s: %v", a.dir, err)
		return fmt.Errorf("failed to remove arena: %w", err)
	}
	logging.WorkspaceDebug("Removed arena %s", a.dir)
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeName keeps a filesystem-safe subset of characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = unsafeChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
