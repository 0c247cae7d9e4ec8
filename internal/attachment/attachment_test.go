package attachment

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hakanai/internal/model"
)

// smallest valid PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestKindForMime(t *testing.T) {
	req := require.New(t)
	req.Equal(model.KindImage, KindForMime("image/png"))
	req.Equal(model.KindVideo, KindForMime("video/mp4"))
	req.Equal(model.KindFile, KindForMime("application/pdf"))
	req.Equal(model.KindFile, KindForMime("text/plain; charset=utf-8"))
}

func TestSave_DetectsKindAndStoresWholeFile(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/uploads/")
	req.NoError(err)

	// When a PNG is uploaded under a misleading name
	upload, err := Save(context.Background(), store, "holiday", bytes.NewReader(pngBytes))
	req.NoError(err)

	// Then the kind comes from the content
	req.Equal(model.KindImage, upload.Kind)
	req.Equal("image/png", upload.MimeType)
	req.True(strings.HasSuffix(upload.Ref, ".png"))
	req.Equal("/uploads/"+upload.Ref, upload.URL)

	// And the stored file is complete
	stored, err := os.ReadFile(filepath.Join(dir, upload.Ref))
	req.NoError(err)
	req.Equal(pngBytes, stored)
}

func TestLocalStore_Delete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "uploads")
	req.NoError(err)

	ref, err := store.Put(ctx, "notes.txt", strings.NewReader("hello"), "text/plain")
	req.NoError(err)
	req.True(strings.HasSuffix(ref, ".txt"))

	// When the attachment is deleted twice
	req.NoError(store.Delete(ctx, ref))
	req.NoError(store.Delete(ctx, ref))

	// Then the file is gone and the second delete was a no-op
	_, err = os.Stat(filepath.Join(dir, ref))
	req.True(os.IsNotExist(err))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir(), "/uploads")
	req.NoError(err)

	req.Error(store.Delete(ctx, "../chat.db"))
	req.Error(store.Delete(ctx, ""))
	_, err = store.Resolve(ctx, "a/b.png")
	req.Error(err)
}

func TestS3Store_ResolvePresignsURL(t *testing.T) {
	req := require.New(t)
	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "attachments",
		Region:          "eu-west-1",
		Endpoint:        "http://127.0.0.1:9000",
		Prefix:          "/chat/",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
		PresignTTL:      time.Minute,
	})
	req.NoError(err)

	url, err := store.Resolve(context.Background(), "abc.png")
	req.NoError(err)
	req.Contains(url, "/attachments/chat/abc.png")
	req.Contains(url, "X-Amz-Signature=")
	req.Contains(url, "X-Amz-Expires=60")
}

func TestS3Store_Delete(t *testing.T) {
	req := require.New(t)

	var (
		mu    sync.Mutex
		calls []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "attachments",
		Endpoint:        server.URL,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	req.NoError(err)

	req.NoError(store.Delete(context.Background(), "abc.png"))

	mu.Lock()
	defer mu.Unlock()
	req.Equal([]string{"DELETE /attachments/abc.png"}, calls)
}

func TestValidRef(t *testing.T) {
	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"3f2b8a4e-9c1d-4f7a-8b2e-1a2b3c4d5e6f.png", false},
		{"notes_v2.txt", false},
		{"", true},
		{".env", true},
		{"..", true},
		{"../../backups/db.sql", true},
		{"chat/uploads/a.png", true},
		{`..\windows.ini`, true},
		{"a..b", true},
		{"with space.png", true},
		{"日本.png", true},
		{strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			err := ValidRef(tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRef)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestS3Store_RejectsRefsOutsidePrefix(t *testing.T) {
	req := require.New(t)

	var (
		mu    sync.Mutex
		calls int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "attachments",
		Endpoint:        server.URL,
		Prefix:          "chat/uploads",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	req.NoError(err)

	// Given references that would climb out of the prefix
	for _, ref := range []string{"../../backups/db.sql", "../../../other-tenant/x", "a/../../b"} {
		// Then neither delete nor resolve reaches the bucket
		req.ErrorIs(store.Delete(context.Background(), ref), ErrInvalidRef)
		_, err := store.Resolve(context.Background(), ref)
		req.ErrorIs(err, ErrInvalidRef)
	}

	mu.Lock()
	defer mu.Unlock()
	req.Zero(calls)
}

func TestLocalStore_Put_IgnoresUnsafeExtension(t *testing.T) {
	req := require.New(t)
	store, err := NewLocalStore(t.TempDir(), "/uploads")
	req.NoError(err)

	ref, err := store.Put(context.Background(), "evil.p g", bytes.NewReader(pngBytes), "image/png")
	req.NoError(err)
	req.NoError(ValidRef(ref))
	req.True(strings.HasSuffix(ref, ".png"))
}
