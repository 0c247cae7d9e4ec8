package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// LocalStore stores attachments as flat files under one directory, which
// the HTTP layer serves under urlPrefix.
type LocalStore struct {
	basePath  string
	urlPrefix string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath, urlPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &LocalStore{
		basePath:  basePath,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
	}, nil
}

// Dir is the directory attachments are written to.
func (s *LocalStore) Dir() string {
	return s.basePath
}

// Put writes data to a uniquely named file. The reference is the file name.
func (s *LocalStore) Put(ctx context.Context, filename string, data io.Reader, mimeType string) (string, error) {
	ref := uuid.NewString() + extension(filename, mimeType)
	filePath := filepath.Join(s.basePath, ref)

	// Write to temp file first, then atomic rename
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("write attachment: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", fmt.Errorf("rename attachment: %w", err)
	}
	return ref, nil
}

// Delete removes an attachment from disk.
func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	filePath, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// Resolve returns the public path of the attachment.
func (s *LocalStore) Resolve(ctx context.Context, ref string) (string, error) {
	if _, err := s.path(ref); err != nil {
		return "", err
	}
	return path.Join(s.urlPrefix, ref), nil
}

// path rejects references that would escape basePath.
func (s *LocalStore) path(ref string) (string, error) {
	if err := ValidRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, ref), nil
}

func extension(filename, mimeType string) string {
	// クライアントのファイル名は英数字の拡張子だけ使う
	if ext := filepath.Ext(filename); len(ext) > 1 && len(ext) <= 8 && isAlnum(ext[1:]) {
		return strings.ToLower(ext)
	}
	if m := mimetype.Lookup(mimeType); m != nil {
		return m.Extension()
	}
	return ".dat"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
