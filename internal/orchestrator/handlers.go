package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	units "github.com/docker/go-units"

	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/filetransfer"
	"github.com/thin-edge/tedge-mapper-core/internal/swplugin"
)

// SoftwareUpdateHandler implements spec.md §4.4's "Software list /
// update" protocol: it is itself the local software-management peer,
// running the requested plugin actions and refreshing the installed-
// software list on success, via the generalized swplugin runner.
type SoftwareUpdateHandler struct {
	Orchestrator *Orchestrator
	Plugins      *swplugin.Registry
	// OnListRefreshed is called with the freshly-listed modules after a
	// successful update, e.g. to republish them as the cloud-visible
	// software list.
	OnListRefreshed func(ctx context.Context, moduleType string, modules []swplugin.Module)
}

// Run executes cmd's update list against the registered plugins and
// drives it from Executing to a terminal status, per spec.md §4.4.
func (h *SoftwareUpdateHandler) Run(ctx context.Context, cmd command.Command, updates []swplugin.Update, moduleType string) (command.Command, error) {
	cmd, err := h.Orchestrator.Transition(ctx, cmd, command.StatusExecuting, "")
	if err != nil {
		return cmd, err
	}

	plugin, ok := h.Plugins.Lookup(moduleType)
	if !ok {
		return h.Orchestrator.Transition(ctx, cmd, command.StatusFailed, fmt.Sprintf("no plugin registered for type %q", moduleType))
	}

	if err := plugin.Prepare(ctx); err != nil {
		return h.Orchestrator.Transition(ctx, cmd, command.StatusFailed, err.Error())
	}
	runErr := plugin.UpdateList(ctx, updates)
	if finalizeErr := plugin.Finalize(ctx); finalizeErr != nil {
		slog.Warn("software_update: finalize failed", "err", finalizeErr)
	}
	if runErr != nil {
		return h.Orchestrator.Transition(ctx, cmd, command.StatusFailed, runErr.Error())
	}
	return h.Orchestrator.Transition(ctx, cmd, command.StatusSuccessful, "")
}

// OnTerminal refreshes the installed-software list after a successful
// update, per spec.md §4.4.
func (h *SoftwareUpdateHandler) OnTerminal(ctx context.Context, cmd command.Command) error {
	if cmd.Payload.Status != command.StatusSuccessful || h.OnListRefreshed == nil {
		return nil
	}
	moduleType, _ := cmd.Payload.Extra["type"].(string)
	plugin, ok := h.Plugins.Lookup(moduleType)
	if !ok {
		return nil
	}
	modules, err := plugin.List(ctx)
	if err != nil {
		return err
	}
	h.OnListRefreshed(ctx, plugin.Type, modules)
	return nil
}

// RestartHandler implements spec.md §4.4's restart continuation: an
// outer command is parked with {on_exec, on_success, on_error} state
// names, and released into the configured state once the peer reports
// the restart's own result.
type RestartHandler struct {
	Orchestrator *Orchestrator
	// outer maps the restart command's topic to the outer command it is
	// a continuation for, plus the state names to apply.
	outer map[string]restartContinuation
}

type restartContinuation struct {
	Outer     command.Command
	OnSuccess command.Status
	OnError   command.Status
}

// Continue registers restartCmd as a continuation of outer: once
// restartCmd reaches a terminal state, outer moves to onSuccess or
// onError accordingly.
func (h *RestartHandler) Continue(restartCmd, outer command.Command, onSuccess, onError command.Status) {
	if h.outer == nil {
		h.outer = make(map[string]restartContinuation)
	}
	h.outer[restartCmd.Topic(h.Orchestrator.WireRoot)] = restartContinuation{Outer: outer, OnSuccess: onSuccess, OnError: onError}
}

// OnTerminal moves the outer command to its configured continuation
// state once the restart command itself completes.
func (h *RestartHandler) OnTerminal(ctx context.Context, cmd command.Command) error {
	key := cmd.Topic(h.Orchestrator.WireRoot)
	cont, ok := h.outer[key]
	if !ok {
		return nil
	}
	delete(h.outer, key)

	target := cont.OnSuccess
	reason := ""
	if cmd.Payload.Status == command.StatusFailed {
		target = cont.OnError
		reason = cmd.Payload.Reason
	}
	_, err := h.Orchestrator.Transition(ctx, cont.Outer, target, reason)
	return err
}

// artifactHandoffHandler is the shared shape of log_upload and
// config_snapshot: on the local peer's Successful report, download the
// artifact from the file-transfer endpoint and upload it as a cloud
// binary.
type artifactHandoffHandler struct {
	Orchestrator         *Orchestrator
	MainDeviceExternalID string
	Downloader           filetransfer.Downloader
	Uploader             filetransfer.Uploader
	// Kind labels the uploaded binary/event (e.g. the config type for a
	// config snapshot, or a fixed "log" kind for log upload).
	kindOf func(cmd command.Command) string
	// OnUploaded receives the resulting cloud URL for further
	// processing (e.g. publishing the cloud "set successful" payload).
	OnUploaded func(ctx context.Context, cmd command.Command, cloudURL string)
}

func (h *artifactHandoffHandler) OnTerminal(ctx context.Context, cmd command.Command) error {
	if cmd.Payload.Status != command.StatusSuccessful {
		return nil
	}
	fileURL, _ := cmd.Payload.Extra["file_transfer_url"].(string)
	if fileURL == "" {
		return nil
	}
	localPath, err := h.Downloader.Download(ctx, fileURL)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(localPath); statErr == nil {
		slog.Info("orchestrator: downloaded artifact", "op", cmd.Op, "size", units.HumanSize(float64(info.Size())))
	}
	externalID := h.Orchestrator.ExternalID(cmd.Target, h.MainDeviceExternalID)
	cloudURL, err := h.Uploader.UploadBinary(ctx, externalID, h.kindOf(cmd), localPath)
	if err != nil {
		return err
	}
	if h.OnUploaded != nil {
		h.OnUploaded(ctx, cmd, cloudURL)
	}
	return nil
}

// NewLogUploadHandler implements spec.md §4.4's "Log upload" protocol.
func NewLogUploadHandler(o *Orchestrator, mainDeviceExternalID string, dl filetransfer.Downloader, ul filetransfer.Uploader, onUploaded func(context.Context, command.Command, string)) Handler {
	return &artifactHandoffHandler{
		Orchestrator:         o,
		MainDeviceExternalID: mainDeviceExternalID,
		Downloader:           dl,
		Uploader:             ul,
		kindOf:               func(command.Command) string { return "log" },
		OnUploaded:           onUploaded,
	}
}

// NewConfigSnapshotHandler implements spec.md §4.4's "Config snapshot"
// protocol: identical to log upload except the uploaded event's type is
// the config type rather than a fixed "log" kind.
func NewConfigSnapshotHandler(o *Orchestrator, mainDeviceExternalID string, dl filetransfer.Downloader, ul filetransfer.Uploader, onUploaded func(context.Context, command.Command, string)) Handler {
	return &artifactHandoffHandler{
		Orchestrator:         o,
		MainDeviceExternalID: mainDeviceExternalID,
		Downloader:           dl,
		Uploader:             ul,
		kindOf: func(cmd command.Command) string {
			if t, ok := cmd.Payload.Extra["type"].(string); ok {
				return t
			}
			return "config"
		},
		OnUploaded: onUploaded,
	}
}

// CacheHandoffHandler implements the cloud-to-local half of "Config
// update" and "Firmware update" (spec.md §4.4): download (or reuse a
// cached copy of) the requested file, expose it to the peer via a
// symlink, and clean the symlink up once the command reaches a
// terminal status.
type CacheHandoffHandler struct {
	Cache       *filetransfer.Cache
	LinkPath    func(cmd command.Command) string
	IsFirmware  bool
	Orchestrator *Orchestrator
}

// Prepare downloads/caches the requested URL and exposes it to the peer
// before the command is created, per spec.md §4.4.
func (h *CacheHandoffHandler) Prepare(ctx context.Context, cmd command.Command) error {
	sourceURL, _ := cmd.Payload.Extra["url"].(string)
	return h.Cache.Expose(ctx, sourceURL, h.LinkPath(cmd))
}

// OnTerminal removes the hand-off symlink and, for a firmware update
// that succeeded, updates the entity's firmware twin fragment, per
// spec.md §4.4.
func (h *CacheHandoffHandler) OnTerminal(ctx context.Context, cmd command.Command) error {
	if err := h.Cache.Unexpose(h.LinkPath(cmd)); err != nil {
		return err
	}
	if !h.IsFirmware || cmd.Payload.Status != command.StatusSuccessful {
		return nil
	}
	fragment := map[string]any{
		"name":    cmd.Payload.Extra["name"],
		"version": cmd.Payload.Extra["version"],
		"url":     cmd.Payload.Extra["url"],
	}
	return h.Orchestrator.PublishTwinFragment(ctx, cmd.Target, "firmware", fragment)
}
