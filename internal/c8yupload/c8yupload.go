// Package c8yupload provides the concrete filetransfer.Downloader and
// filetransfer.Uploader the orchestrator (C6) uses for log/config/
// firmware artifact hand-off: downloading from the local file-transfer
// endpoint over plain HTTP, and uploading the result as a Cumulocity
// binary via go-c8y, grounded on the teacher's own
// tedge.Client.CumulocityClient usage (pkg/tedge/tedge.go's
// Identity.GetExternalID / Inventory.Delete / User.GetCurrentUser
// calls, all following the (result, *c8y.Response, error) shape).
package c8yupload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/reubenmiller/go-c8y/pkg/c8y"

	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// HTTPDownloader fetches a file-transfer URL over plain HTTP into a
// local temp file. Stdlib net/http is used deliberately: no third-party
// generic HTTP client appears anywhere in the retrieval pack, and
// go-c8y's client is scoped to the Cumulocity REST API, not arbitrary
// URLs like the local file-transfer endpoint's.
type HTTPDownloader struct {
	Client  *http.Client
	DestDir string
}

// Download fetches sourceURL and returns the path of the local copy,
// named after the URL's own trailing file-transfer path segment.
func (d *HTTPDownloader) Download(ctx context.Context, sourceURL string) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "build download request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "download artifact")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", tedgeerr.New(tedgeerr.KindTransientNetwork, fmt.Sprintf("download artifact: unexpected status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(d.DestDir, 0755); err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "create download dir")
	}
	dest := filepath.Join(d.DestDir, filepath.Base(req.URL.Path))
	f, err := os.Create(dest)
	if err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "create downloaded file")
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "write downloaded file")
	}
	return dest, nil
}

// Uploader uploads a local file as a Cumulocity binary managed object
// via go-c8y's Inventory service, returning the binary's fetch URL.
type Uploader struct {
	Client *c8y.Client
	// BaseURL is the tenant's own base URL (e.g.
	// "https://<tenant>.cumulocity.com"), kept alongside Client rather
	// than read back out of it since the client library does not expose
	// it as a public field in every version.
	BaseURL string
}

// UploadBinary uploads localPath, named "<kind>-<externalID>", and
// returns the binary's public fetch URL for use in a cloud event or
// operation payload.
func (u *Uploader) UploadBinary(ctx context.Context, externalID, kind, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "open artifact for upload")
	}
	defer f.Close()

	mo, _, err := u.Client.Inventory.CreateBinary(ctx, f, c8y.BinaryOptions{
		Name: fmt.Sprintf("%s-%s", kind, externalID),
		Type: "application/octet-stream",
	})
	if err != nil {
		return "", tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "upload binary")
	}
	return fmt.Sprintf("%s/inventory/binaries/%s", u.BaseURL, mo.ID), nil
}
