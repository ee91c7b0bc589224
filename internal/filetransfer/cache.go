package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// Cache is the content-addressed download cache keyed by SHA-256 of the
// source URL, per spec.md §4.4's config/firmware update protocol: a
// second request for the same URL is served from disk without a
// repeat download.
type Cache struct {
	dir        string
	downloader Downloader

	mu sync.Mutex
}

// NewCache roots a Cache at dir, creating it if absent.
func NewCache(dir string, downloader Downloader) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "create cache dir")
	}
	return &Cache{dir: dir, downloader: downloader}, nil
}

func (c *Cache) keyFor(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

// Fetch returns the cached path for sourceURL, downloading it only if
// this is the first request for that exact URL.
func (c *Cache) Fetch(ctx context.Context, sourceURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.dir, c.keyFor(sourceURL))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	downloaded, err := c.downloader.Download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	if downloaded != path {
		if err := os.Rename(downloaded, path); err != nil {
			return "", tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "place downloaded file in cache")
		}
	}
	return path, nil
}

// Expose symlinks the cached file for sourceURL at linkPath, the
// hand-off the peer reads from under the file-transfer root.
func (c *Cache) Expose(ctx context.Context, sourceURL, linkPath string) error {
	target, err := c.Fetch(ctx, sourceURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "create symlink parent dir")
	}
	_ = os.Remove(linkPath)
	if err := os.Symlink(target, linkPath); err != nil {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "symlink cached file")
	}
	return nil
}

// Unexpose removes the symlink created by Expose, per spec.md §4.4:
// "Symlink is removed on terminal status."
func (c *Cache) Unexpose(linkPath string) error {
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "remove symlink")
	}
	return nil
}
