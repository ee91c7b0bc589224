// Package filetransfer implements the file-transfer hand-off the
// orchestrator (C6) uses to exchange artifacts with local peers: the
// URL shape, and the Downloader/Uploader collaborator boundary. The
// file-transfer HTTP server itself is out of scope (spec.md's
// Non-goals), so this package only defines the URL contract and the
// interfaces a concrete HTTP client/go-c8y binary uploader satisfies.
package filetransfer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// URL builds the local file-transfer URL for one (externalID, op, file)
// triple, substituting ':' for '/' in path components so a config type
// like "path/to/A" can't create unintended directories under the
// file-transfer root, per spec.md §4.4.
func URL(tedgeHost string, port int, externalID, op, file string) string {
	return fmt.Sprintf("http://%s:%d/tedge/file-transfer/%s/%s/%s",
		tedgeHost, port, sanitize(externalID), sanitize(op), sanitize(file))
}

// sanitize replaces '/' with ':' in one path component, per spec.md
// §4.4's "path-component ':' substitution".
func sanitize(component string) string {
	return strings.ReplaceAll(component, "/", ":")
}

// Downloader fetches a remote or local-peer artifact to a local path.
// Kept narrow so orchestrator logic can be unit tested with a fake,
// independent of real HTTP/go-c8y I/O.
type Downloader interface {
	Download(ctx context.Context, sourceURL string) (localPath string, err error)
}

// Uploader uploads a local file as a cloud binary (log, config snapshot,
// firmware image) and returns the URL the cloud event/operation should
// reference.
type Uploader interface {
	UploadBinary(ctx context.Context, externalID, kind, localPath string) (cloudURL string, err error)
}

// ParseFileName extracts the trailing file path component from a
// file-transfer URL, the inverse of URL's last segment, used when a
// peer reports which file it wrote under the exposed symlink.
func ParseFileName(fileTransferURL string) (string, error) {
	u, err := url.Parse(fileTransferURL)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) == 0 {
		return "", fmt.Errorf("file-transfer url %q has no path", fileTransferURL)
	}
	return parts[len(parts)-1], nil
}
