// Package storage puts receipt images into an object store and resolves the
// public URLs they are served from.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/codingric/receiptbox/config"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

type Store interface {
	// Put writes size bytes from r under key and returns the object's public URL.
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// New builds the Store selected by cfg.Backend.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.Local.Root)
		if err := fs.MkdirAll("/", 0o755); err != nil {
			return nil, fmt.Errorf("create storage root: %w", err)
		}
		return NewLocalStore(fs, cfg.PublicURL), nil
	case "s3":
		s, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
}

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// Key returns a fresh "<user>/<uuid><ext>" object key for an upload of
// contentType. Client filenames never contribute to the key.
func Key(userID uint, contentType string) string {
	if mediatype, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediatype
	}
	ext := imageExtensions[contentType]
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("%d/%s%s", userID, uuid.NewString(), ext)
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
