package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/filetransfer"
	"github.com/thin-edge/tedge-mapper-core/internal/swplugin"
)

func fakePlugin(t *testing.T, script string) *swplugin.Plugin {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return &swplugin.Plugin{Type: "test", Path: path}
}

func TestSoftwareUpdateHandlerRunSuccess(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	plugins := swplugin.NewRegistry()
	plugins.Default = "test"
	plugins.Register(fakePlugin(t, `exit 0`))

	var refreshedType string
	var refreshedModules []swplugin.Module
	h := &SoftwareUpdateHandler{
		Orchestrator: o,
		Plugins:      plugins,
		OnListRefreshed: func(_ context.Context, moduleType string, modules []swplugin.Module) {
			refreshedType = moduleType
			refreshedModules = modules
		},
	}
	o.RegisterHandler("software_update", h)

	cmd := newTestCommand("software_update")
	require.NoError(t, o.Create(context.Background(), cmd, 0))

	updates := []swplugin.Update{{Module: swplugin.Module{Name: "nodered"}, Action: swplugin.ActionInstall}}
	final, err := h.Run(context.Background(), cmd, updates, "")
	require.NoError(t, err)
	assert.Equal(t, command.StatusSuccessful, final.Payload.Status)
	assert.Equal(t, "test", refreshedType)
	assert.Empty(t, refreshedModules)
}

func TestSoftwareUpdateHandlerRunFailurePropagatesReason(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	plugins := swplugin.NewRegistry()
	plugins.Register(&swplugin.Plugin{Type: "apt", Path: fakePlugin(t, `echo boom >&2; exit 1`).Path})

	h := &SoftwareUpdateHandler{Orchestrator: o, Plugins: plugins}
	o.RegisterHandler("software_update", h)

	cmd := newTestCommand("software_update")
	require.NoError(t, o.Create(context.Background(), cmd, 0))

	final, err := h.Run(context.Background(), cmd, nil, "apt")
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, final.Payload.Status)
	assert.NotEmpty(t, final.Payload.Reason)
}

func TestSoftwareUpdateHandlerUnknownTypeFails(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	plugins := swplugin.NewRegistry()

	h := &SoftwareUpdateHandler{Orchestrator: o, Plugins: plugins}
	cmd := newTestCommand("software_update")
	require.NoError(t, o.Create(context.Background(), cmd, 0))

	final, err := h.Run(context.Background(), cmd, nil, "missing")
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, final.Payload.Status)
}

func TestRestartHandlerContinuesOnSuccess(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	rh := &RestartHandler{Orchestrator: o}
	o.RegisterHandler("restart", rh)

	outer := newTestCommand("software_update")
	require.NoError(t, o.Create(context.Background(), outer, 0))

	restartCmd := newTestCommand("restart")
	restartCmd.Id = "restart1"
	require.NoError(t, o.Create(context.Background(), restartCmd, 0))

	rh.Continue(restartCmd, outer, command.StatusSuccessful, command.StatusFailed)

	restartCmd.Payload.Status = command.StatusSuccessful
	require.NoError(t, o.OnCommandUpdate(context.Background(), restartCmd))

	last := local.last()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "successful", payload["status"])
}

func TestRestartHandlerContinuesOnError(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	rh := &RestartHandler{Orchestrator: o}
	o.RegisterHandler("restart", rh)

	outer := newTestCommand("software_update")
	require.NoError(t, o.Create(context.Background(), outer, 0))

	restartCmd := newTestCommand("restart")
	restartCmd.Id = "restart1"
	require.NoError(t, o.Create(context.Background(), restartCmd, 0))

	rh.Continue(restartCmd, outer, command.StatusSuccessful, command.StatusFailed)

	restartCmd.Payload.Status = command.StatusFailed
	restartCmd.Payload.Reason = "device did not come back"
	require.NoError(t, o.OnCommandUpdate(context.Background(), restartCmd))

	last := local.last()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, "device did not come back", payload["reason"])
}

// fakeDownloader/fakeUploader stand in for real file-transfer/go-c8y I/O.
type fakeDownloaderHandler struct{ path string }

func (d *fakeDownloaderHandler) Download(_ context.Context, _ string) (string, error) {
	return d.path, nil
}

type fakeUploader struct {
	externalID, kind, localPath string
	url                         string
}

func (u *fakeUploader) UploadBinary(_ context.Context, externalID, kind, localPath string) (string, error) {
	u.externalID, u.kind, u.localPath = externalID, kind, localPath
	return u.url, nil
}

func TestLogUploadHandlerUploadsOnSuccess(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	dl := &fakeDownloaderHandler{path: "/tmp/agent.log"}
	ul := &fakeUploader{url: "https://cloud.example/events/1/binary"}
	var uploadedURL string
	h := NewLogUploadHandler(o, "main-device", dl, ul, func(_ context.Context, _ command.Command, cloudURL string) {
		uploadedURL = cloudURL
	})

	cmd := newTestCommand("log_upload")
	cmd.Payload.Status = command.StatusSuccessful
	cmd.Payload.Extra["file_transfer_url"] = "http://localhost:8000/tedge/file-transfer/main-device/log_upload/agent"

	require.NoError(t, h.OnTerminal(context.Background(), cmd))
	assert.Equal(t, "log", ul.kind)
	assert.Equal(t, "/tmp/agent.log", ul.localPath)
	assert.Equal(t, "https://cloud.example/events/1/binary", uploadedURL)
}

func TestConfigSnapshotHandlerUsesConfigType(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	dl := &fakeDownloaderHandler{path: "/tmp/collectd.conf"}
	ul := &fakeUploader{}
	h := NewConfigSnapshotHandler(o, "main-device", dl, ul, nil)

	cmd := newTestCommand("config_snapshot")
	cmd.Payload.Status = command.StatusSuccessful
	cmd.Payload.Extra["file_transfer_url"] = "http://localhost:8000/tedge/file-transfer/main-device/config_snapshot/collectd"
	cmd.Payload.Extra["type"] = "collectd"

	require.NoError(t, h.OnTerminal(context.Background(), cmd))
	assert.Equal(t, "collectd", ul.kind)
}

func TestArtifactHandoffSkipsNonSuccessful(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	dl := &fakeDownloaderHandler{path: "/tmp/x"}
	ul := &fakeUploader{}
	h := NewLogUploadHandler(o, "main-device", dl, ul, nil)

	cmd := newTestCommand("log_upload")
	cmd.Payload.Status = command.StatusFailed

	require.NoError(t, h.OnTerminal(context.Background(), cmd))
	assert.Empty(t, ul.localPath)
}

func TestCacheHandoffHandlerExposesAndUnexposes(t *testing.T) {
	dl := &fakeDownloaderHandler{}
	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "src")
	require.NoError(t, os.WriteFile(srcFile, []byte("data"), 0644))
	dl.path = srcFile

	cacheDir := t.TempDir()
	cache, err := filetransfer.NewCache(cacheDir, dl)
	require.NoError(t, err)

	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	linkDir := t.TempDir()
	link := filepath.Join(linkDir, "firmware-cmd1")

	h := &CacheHandoffHandler{
		Cache:        cache,
		LinkPath:     func(command.Command) string { return link },
		IsFirmware:   true,
		Orchestrator: o,
	}

	cmd := newTestCommand("firmware_update")
	cmd.Payload.Extra["url"] = "https://example.com/firmware.bin"

	require.NoError(t, h.Prepare(context.Background(), cmd))
	_, statErr := os.Lstat(link)
	require.NoError(t, statErr)

	cmd.Payload.Status = command.StatusSuccessful
	cmd.Payload.Extra["name"] = "bootloader"
	cmd.Payload.Extra["version"] = "2.0"

	require.NoError(t, h.OnTerminal(context.Background(), cmd))

	_, statErr = os.Lstat(link)
	assert.True(t, os.IsNotExist(statErr))

	require.Equal(t, 1, local.count())
	assert.Contains(t, local.last().Topic, "twin/firmware")
}

func TestCacheHandoffHandlerNonFirmwareSkipsTwinUpdate(t *testing.T) {
	dl := &fakeDownloaderHandler{}
	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "src")
	require.NoError(t, os.WriteFile(srcFile, []byte("data"), 0644))
	dl.path = srcFile

	cache, err := filetransfer.NewCache(t.TempDir(), dl)
	require.NoError(t, err)

	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})
	link := filepath.Join(t.TempDir(), "config-cmd1")

	h := &CacheHandoffHandler{
		Cache:        cache,
		LinkPath:     func(command.Command) string { return link },
		IsFirmware:   false,
		Orchestrator: o,
	}

	cmd := newTestCommand("config_update")
	cmd.Payload.Extra["url"] = "https://example.com/config.toml"
	require.NoError(t, h.Prepare(context.Background(), cmd))

	cmd.Payload.Status = command.StatusSuccessful
	require.NoError(t, h.OnTerminal(context.Background(), cmd))

	assert.Equal(t, 0, local.count())
}
