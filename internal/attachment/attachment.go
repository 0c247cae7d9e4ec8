//go:generate go run go.uber.org/mock/mockgen -source=attachment.go -destination=../mocks/mock_attachment_store.go -package=mocks
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"hakanai/internal/model"
)

// Store resolves uploaded files to opaque references and removes them again.
type Store interface {
	// Put stores the file and returns its reference.
	Put(ctx context.Context, filename string, data io.Reader, mimeType string) (string, error)
	// Delete removes the file. Deleting a missing reference is not an error.
	Delete(ctx context.Context, ref string) error
	// Resolve returns a locator a client can fetch the content from.
	Resolve(ctx context.Context, ref string) (string, error)
}

// Upload is the result of a completed upload
type Upload struct {
	Ref      string     `json:"attachment_ref"`
	Kind     model.Kind `json:"kind"`
	MimeType string     `json:"mime_type"`
	URL      string     `json:"url"`
}

const maxRefLength = 128

// ErrInvalidRef is returned for references that could not have been issued by Put.
var ErrInvalidRef = errors.New("invalid attachment reference")

// ValidRef checks that ref is a single flat name made of letters, digits,
// '-', '_' and '.', not starting with a dot. Put only issues such names, so
// anything else cannot address a stored attachment.
func ValidRef(ref string) error {
	if ref == "" || len(ref) > maxRefLength || ref[0] == '.' || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	for _, r := range ref {
		if !isRefChar(r) {
			return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
	}
	return nil
}

func isRefChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}

// KindForMime maps a MIME type to the message kind shown to clients.
func KindForMime(mimeType string) model.Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return model.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return model.KindVideo
	default:
		return model.KindFile
	}
}

// Save sniffs the content type of data, stores it and resolves the locator.
func Save(ctx context.Context, store Store, filename string, data io.ReadSeeker) (Upload, error) {
	mtype, err := mimetype.DetectReader(data)
	if err != nil {
		return Upload{}, err
	}

	// DetectReader は先頭だけを読むので、読んだ分を戻してから保存する
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return Upload{}, err
	}

	ref, err := store.Put(ctx, filename, data, mtype.String())
	if err != nil {
		return Upload{}, err
	}
	url, err := store.Resolve(ctx, ref)
	if err != nil {
		return Upload{}, err
	}

	return Upload{
		Ref:      ref,
		Kind:     KindForMime(mtype.String()),
		MimeType: mtype.String(),
		URL:      url,
	}, nil
}
