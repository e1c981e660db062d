package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// LocalStore keeps objects on an afero filesystem. The API serves the
// filesystem itself, so PublicURL must point at that route.
type LocalStore struct {
	fs        afero.Fs
	publicURL string
}

func NewLocalStore(fs afero.Fs, publicURL string) *LocalStore {
	return &LocalStore{fs: fs, publicURL: publicURL}
}

func (s *LocalStore) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	name := path.Join("/", key)
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", key, err)
	}
	if err := afero.WriteReader(s.fs, name, io.LimitReader(r, size)); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	log.Debug().Str("key", key).Str("content_type", contentType).Int64("size", size).Msg("Stored object")
	return s.URL(key), nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	return s.fs.Remove(path.Join("/", key))
}

func (s *LocalStore) URL(key string) string {
	return joinURL(s.publicURL, key)
}

// FileSystem exposes the stored objects for http serving.
func (s *LocalStore) FileSystem() http.FileSystem {
	return afero.NewHttpFs(s.fs).Dir("/")
}
