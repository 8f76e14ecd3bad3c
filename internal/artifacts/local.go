package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore writes artifacts to a local directory. It is the dev-mode
// stand-in for S3: URLs it mints are file URLs with an expiry stamp,
// not real signatures.
type LocalStore struct {
	base string
}

// NewLocalStore creates a local disk store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	base, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact directory: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &LocalStore{base: base}, nil
}

// Put writes data under the given key, creating parent directories as
// needed. Writes go to a temp file first, then an atomic rename.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// SignedURL returns a file URL for the stored artifact with an expires
// query parameter mirroring what the S3 store would presign.
func (s *LocalStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	target, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("artifact not found: %s", key)
	}
	expires := time.Now().Add(ttl).Unix()
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(target),
		RawQuery: "expires=" + strconv.FormatInt(expires, 10),
	}
	return u.String(), nil
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}

// resolve maps a key to a path under the base directory and rejects
// keys that would escape it.
func (s *LocalStore) resolve(key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("artifact key is required")
	}
	target := filepath.Join(s.base, filepath.FromSlash(key))
	if target != s.base && !strings.HasPrefix(target, s.base+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key escapes store: %s", key)
	}
	return target, nil
}
