// Package storage manages the durable artifact directory that processed
// files are served from. Filenames are collision-resistant so concurrent
// writers never need coordination.
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// minimalWAV is a valid 44-byte WAV header with an empty data section, used
// as the placeholder artifact for locator-only submissions.
var minimalWAV = []byte{
	0x52, 0x49, 0x46, 0x46, 0x24, 0x00, 0x00, 0x00, 0x57, 0x41, 0x56, 0x45, 0x66, 0x6d, 0x74, 0x20,
	0x10, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x44, 0xac, 0x00, 0x00, 0x88, 0x58, 0x01, 0x00,
	0x02, 0x00, 0x10, 0x00, 0x64, 0x61, 0x74, 0x61, 0x00, 0x00, 0x00, 0x00,
}

// Store writes and deletes files under the public uploads directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the uploads directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("uploads directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the uploads directory path.
func (s *Store) Dir() string {
	return s.dir
}

// SaveStream persists r under a fresh collision-resistant name with the given
// extension and returns the filename, full path and byte count.
func (s *Store) SaveStream(r io.Reader, ext string) (string, string, int64, error) {
	filename := fmt.Sprintf("vocals_%d_%s.%s",
		time.Now().UnixNano(), uuid.New().String()[:8], strings.TrimPrefix(ext, "."))
	path := filepath.Join(s.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("create artifact %s: %w", filename, err)
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", "", 0, fmt.Errorf("write artifact %s: %w", filename, err)
	}

	return filename, path, size, nil
}

// SaveUpload persists an incoming request body as a temporary input artifact.
func (s *Store) SaveUpload(r io.Reader, ext string) (string, int64, error) {
	filename := fmt.Sprintf("chunk_%d_%s.%s",
		time.Now().UnixNano(), uuid.New().String()[:8], strings.TrimPrefix(ext, "."))
	path := filepath.Join(s.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create upload %s: %w", filename, err)
	}

	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write upload %s: %w", filename, err)
	}

	return path, size, nil
}

// WritePlaceholder synthesizes a minimal silent WAV and returns its path.
// Used when a submission carries only a source locator so that downstream
// logic always operates on a real file.
func (s *Store) WritePlaceholder() (string, error) {
	filename := fmt.Sprintf("mock_%d_%s.wav", time.Now().UnixNano(), uuid.New().String()[:8])
	path := filepath.Join(s.dir, filename)
	if err := os.WriteFile(path, minimalWAV, 0o644); err != nil {
		return "", fmt.Errorf("write placeholder: %w", err)
	}
	return path, nil
}

// Delete removes the file at path. Failures are logged and swallowed so
// cleanup never interrupts the main flow.
func (s *Store) Delete(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete artifact",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("Deleted artifact", slog.String("path", path))
}

// PublicURL builds the externally reachable download URL for a stored file.
func PublicURL(baseURL, filename string) string {
	return fmt.Sprintf("%s/uploads/%s", strings.TrimSuffix(baseURL, "/"), filename)
}
