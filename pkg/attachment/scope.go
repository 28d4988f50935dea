package attachment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
)

// ErrScopeClosed is returned when a closed Scope is asked for a new file
var ErrScopeClosed = errors.New("attachment scope closed")

// Scope owns the temporary files created while one message is processed.
// Close removes all of them and is safe to call more than once.
type Scope struct {
	dir string

	mu     sync.Mutex
	files  []string
	closed bool
}

// NewScope returns a Scope creating files in dir. An empty dir uses
// os.TempDir.
func NewScope(dir string) *Scope {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Scope{dir: dir}
}

// CreateTemp creates a new empty file owned by the scope.
func (s *Scope) CreateTemp() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrScopeClosed
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	name := filepath.Join(s.dir, "as4-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	s.files = append(s.files, name)
	return f, nil
}

// Files returns the paths currently owned by the scope.
func (s *Scope) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Close removes every file created by the scope.
func (s *Scope) Close() error {
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, name := range files {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transform streams a through fn into a scope-owned file.
func (s *Scope) transform(a *Attachment, fn func(dst io.Writer, src io.Reader) error) (*Attachment, error) {
	src, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	f, err := s.CreateTemp()
	if err != nil {
		return nil, err
	}
	if err := fn(f, src); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	out := *a
	out.data = nil
	out.path = f.Name()
	return &out, nil
}

// Compress returns a GZIP-compressed copy of a. Already compressed input is
// returned unchanged.
func (s *Scope) Compress(a *Attachment, c *compression.Compressor) (*Attachment, error) {
	if a.Compression.Enabled() {
		return a, nil
	}
	out, err := s.transform(a, c.CompressTo)
	if err != nil {
		return nil, fmt.Errorf("compressing attachment %s: %w", a.ID, err)
	}
	out.Compression = compression.ModeGZIP
	return out, nil
}

// Decompress returns the uncompressed copy of a. Uncompressed input is
// returned unchanged.
func (s *Scope) Decompress(a *Attachment, c *compression.Compressor) (*Attachment, error) {
	if !a.Compression.Enabled() {
		return a, nil
	}
	out, err := s.transform(a, c.DecompressTo)
	if err != nil {
		return nil, fmt.Errorf("decompressing attachment %s: %w", a.ID, err)
	}
	out.Compression = compression.ModeNone
	return out, nil
}
