/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/reubenmiller/go-c8y/pkg/c8y"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thin-edge/tedge-mapper-core/internal/bridge"
	"github.com/thin-edge/tedge-mapper-core/internal/c8yconverter"
	"github.com/thin-edge/tedge-mapper-core/internal/c8yupload"
	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/config"
	"github.com/thin-edge/tedge-mapper-core/internal/entitystore"
	"github.com/thin-edge/tedge-mapper-core/internal/filetransfer"
	"github.com/thin-edge/tedge-mapper-core/internal/flows"
	"github.com/thin-edge/tedge-mapper-core/internal/mqttsession"
	"github.com/thin-edge/tedge-mapper-core/internal/orchestrator"
	"github.com/thin-edge/tedge-mapper-core/internal/series"
	"github.com/thin-edge/tedge-mapper-core/internal/swplugin"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

func newRunCommand(cliConfig config.Config) *cobra.Command {
	var runOnce bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device-management mapper core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliConfig.PrintConfig()
			return runMapper(cmd.Context(), &cliConfig, runOnce)
		},
	}

	cmd.Flags().BoolVar(&runOnce, "once", false, "Wire up the mapper, process one settle pass, then exit")
	cmd.Flags().String("mqtt-topic-root", topic.DefaultWireRoot, "MQTT topic root")
	cmd.Flags().String("device-external-id", "", "Cloud-facing external id of the local main device")
	_ = viper.BindPFlag("mapper.mqtt.topic_root", cmd.Flags().Lookup("mqtt-topic-root"))
	_ = viper.BindPFlag("mapper.device.external_id", cmd.Flags().Lookup("device-external-id"))
	viper.SetDefault("mapper.mqtt.topic_root", topic.DefaultWireRoot)

	return cmd
}

// cloudRequestTopic/cloudStatusTopic are the fixed SmartREST topic
// names the cloud side's wire protocol uses for inbound operation
// requests and outbound status updates, grounded on
// original_source/crates/extensions/tedge_mqtt_bridge's own
// forward_from_local("s/us", ...) / forward_from_remote("s/ds", ...)
// rule construction: these are the bare cloud-side topics the local
// "c8y/" bridge prefix mirrors, not configurable settings.
const (
	cloudRequestTopic = "s/ds"
	cloudStatusTopic  = "s/us"
)

// app bundles every wired-up component the run loop dispatches
// messages through, mirroring the teacher's pkg/app.App shape but for
// this module's broader component set.
type app struct {
	wireRoot             string
	mainDeviceExternalID string
	commandTimeout       time.Duration

	local *mqttsession.Session
	cloud *mqttsession.Session

	entities     *entitystore.Store
	seriesStore  *series.Store
	bridge       *bridge.Bridge
	orchestrator *orchestrator.Orchestrator
	converter    *c8yconverter.Converter
	flowEngine   *flows.Engine
	plugins      *swplugin.Registry
	cache        *filetransfer.Cache

	// cacheHandoff maps config_update/firmware_update to the
	// CacheHandoffHandler registered for it, so handleCloud can call
	// Prepare on the right one before a command is created (spec.md
	// §4.4: the cached artifact must be exposed before the command
	// exists for the peer to act on).
	cacheHandoff map[string]*orchestrator.CacheHandoffHandler

	// softwareUpdates drives a freshly created software_update command
	// from Executing through to a terminal status; kept separately from
	// the generic Handler registry since Run takes the decoded update
	// list and module type as explicit arguments rather than recovering
	// them from the retained command payload.
	softwareUpdates *orchestrator.SoftwareUpdateHandler
}

func runMapper(ctx context.Context, cfg *config.Config, runOnce bool) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	localMsgs, err := a.local.Subscribe(a.wireRoot+"/#", 1)
	if err != nil {
		return err
	}
	cloudMsgs, err := a.cloud.Subscribe("s/#", 1)
	if err != nil {
		return err
	}

	go a.dispatchLoop(ctx, localMsgs, cloudMsgs)

	if runOnce {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")
	return nil
}

func newApp(cfg *config.Config) (*app, error) {
	wireRoot := cfg.GetWireRoot()
	mainDeviceExternalID := cfg.GetMainDeviceExternalID()

	localBroker := cfg.GetLocalBroker()
	local, err := mqttsession.New(mqttsession.Config{
		Name:   "tedge-mapper-core-local",
		Broker: brokerURL(localBroker),
		TLS:    tlsConfigFrom(localBroker),
		WillTopic: topic.TopicFor(wireRoot, topic.NewMainDevice().Service("tedge-mapper-core"), topic.Health()),
		WillPayload: []byte(`{"status":"down"}`),
		WillQos:     1,
		WillRetain:  true,
	})
	if err != nil {
		return nil, err
	}

	cloudBroker := cfg.GetCloudBroker()
	cloud, err := mqttsession.New(mqttsession.Config{
		Name:   "tedge-mapper-core-cloud",
		Broker: brokerURL(cloudBroker),
		TLS:    tlsConfigFrom(cloudBroker),
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	entities, err := entitystore.New(filepath.Join(filepath.Dir(cfg.GetSeriesDBPath()), "entities.log"))
	if err != nil {
		return nil, err
	}

	seriesStore, err := series.Open(cfg.GetSeriesDBPath())
	if err != nil {
		return nil, err
	}

	br := bridge.New(local, cloud, bridgeRulesFrom(cfg.GetBridgeRules()))

	orch := orchestrator.New(local, wireRoot, orchestrator.RealScheduler())
	orch.Entities = entities

	cache, err := filetransfer.NewCache(cfg.GetCacheDir(), &c8yupload.HTTPDownloader{
		DestDir: filepath.Join(cfg.GetCacheDir(), "downloads"),
	})
	if err != nil {
		return nil, err
	}

	plugins := swplugin.NewRegistry()
	if p := cfg.GetSoftwarePluginPath(); p != "" {
		plugins.Default = "default"
		plugins.Register(&swplugin.Plugin{Type: "default", Path: p})
	}

	converter := c8yconverter.New(c8yconverter.ModeByName, 1024)
	registerDefaultOperationMappings(converter)

	flowEngine := flows.New(seriesStore, nil)
	loadFlows(flowEngine, cfg.GetFlowsDir())

	a := &app{
		wireRoot:             wireRoot,
		mainDeviceExternalID: mainDeviceExternalID,
		commandTimeout:       cfg.GetCommandTimeout(),
		local:                local,
		cloud:                cloud,
		entities:             entities,
		seriesStore:          seriesStore,
		bridge:               br,
		orchestrator:         orch,
		converter:            converter,
		flowEngine:           flowEngine,
		plugins:              plugins,
		cache:                cache,
		cacheHandoff:         make(map[string]*orchestrator.CacheHandoffHandler),
	}

	registerHandlers(a, cfg)
	return a, nil
}

// bridgeRulesFrom converts config.BridgeRule into bridge.Rule, the
// domain type config.go deliberately avoids importing.
func bridgeRulesFrom(rules []config.BridgeRule) []bridge.Rule {
	out := make([]bridge.Rule, 0, len(rules))
	for _, r := range rules {
		dir := bridge.Bidirectional
		switch r.Direction {
		case "inbound":
			dir = bridge.Inbound
		case "outbound":
			dir = bridge.Outbound
		}
		out = append(out, bridge.Rule{
			TopicPattern: r.TopicPattern,
			LocalPrefix:  r.LocalPrefix,
			RemotePrefix: r.RemotePrefix,
			Direction:    dir,
		})
	}
	return out
}

// registerDefaultOperationMappings binds the canonical operation set
// spec.md §4.4 names to illustrative SmartREST template ids, matching
// the numbering scheme original_source/crates/core/c8y_smartrest uses
// for restart (510/504/506) and software updates (528/501/503).
func registerDefaultOperationMappings(conv *c8yconverter.Converter) {
	conv.Register(c8yconverter.OperationMapping{
		Operation: "restart",
		RequestID: 510,
		ByName: c8yconverter.StatusTemplates{Executing: 504, Successful: 506, Failed: 505},
	})
	conv.Register(c8yconverter.OperationMapping{
		Operation: "software_update",
		RequestID: 528,
		ByName: c8yconverter.StatusTemplates{Executing: 501, Successful: 503, Failed: 502},
	})
	conv.Register(c8yconverter.OperationMapping{
		Operation: "log_upload",
		RequestID: 522,
		ByName: c8yconverter.StatusTemplates{Executing: 501, Successful: 503, Failed: 502},
	})
	conv.Register(c8yconverter.OperationMapping{
		Operation: "config_snapshot",
		RequestID: 526,
		ByName: c8yconverter.StatusTemplates{Executing: 501, Successful: 503, Failed: 502},
	})
	conv.Register(c8yconverter.OperationMapping{
		Operation: "config_update",
		RequestID: 524,
		ByName: c8yconverter.StatusTemplates{Executing: 501, Successful: 503, Failed: 502},
	})
	conv.Register(c8yconverter.OperationMapping{
		Operation: "firmware_update",
		RequestID: 515,
		ByName: c8yconverter.StatusTemplates{Executing: 501, Successful: 503, Failed: 502},
	})
}

func registerHandlers(a *app, cfg *config.Config) {
	uploader := &c8yupload.Uploader{
		Client:  c8y.NewClient(nil, fmt.Sprintf("https://%s", cfg.GetCloudBroker().Host), "", "", "", true),
		BaseURL: fmt.Sprintf("https://%s", cfg.GetCloudBroker().Host),
	}
	downloader := &c8yupload.HTTPDownloader{DestDir: filepath.Join(cfg.GetCacheDir(), "artifacts")}

	softwareUpdate := &orchestrator.SoftwareUpdateHandler{
		Orchestrator: a.orchestrator,
		Plugins:      a.plugins,
	}
	a.orchestrator.RegisterHandler("software_update", softwareUpdate)
	a.softwareUpdates = softwareUpdate

	restartHandler := &orchestrator.RestartHandler{Orchestrator: a.orchestrator}
	a.orchestrator.RegisterHandler("restart", restartHandler)

	a.orchestrator.RegisterHandler("log_upload", orchestrator.NewLogUploadHandler(
		a.orchestrator, a.mainDeviceExternalID, downloader, uploader, nil))
	a.orchestrator.RegisterHandler("config_snapshot", orchestrator.NewConfigSnapshotHandler(
		a.orchestrator, a.mainDeviceExternalID, downloader, uploader, nil))

	configUpdate := &orchestrator.CacheHandoffHandler{
		Cache:        a.cache,
		Orchestrator: a.orchestrator,
		LinkPath: func(cmd command.Command) string {
			externalID := a.orchestrator.ExternalID(cmd.Target, a.mainDeviceExternalID)
			return filetransfer.URL(cfg.GetFileTransferHost(), cfg.GetFileTransferPort(), externalID, "config_update", cmd.Id)
		},
	}
	firmwareUpdate := &orchestrator.CacheHandoffHandler{
		Cache:        a.cache,
		Orchestrator: a.orchestrator,
		IsFirmware:   true,
		LinkPath: func(cmd command.Command) string {
			externalID := a.orchestrator.ExternalID(cmd.Target, a.mainDeviceExternalID)
			return filetransfer.URL(cfg.GetFileTransferHost(), cfg.GetFileTransferPort(), externalID, "firmware_update", cmd.Id)
		},
	}
	a.orchestrator.RegisterHandler("config_update", configUpdate)
	a.orchestrator.RegisterHandler("firmware_update", firmwareUpdate)
	a.cacheHandoff["config_update"] = configUpdate
	a.cacheHandoff["firmware_update"] = firmwareUpdate
}

func tlsConfigFrom(b config.BrokerConfig) *mqttsession.TLSConfig {
	if b.CertFile == "" && b.KeyFile == "" && b.CAFile == "" {
		return nil
	}
	return &mqttsession.TLSConfig{CertFile: b.CertFile, KeyFile: b.KeyFile, CAFile: b.CAFile}
}

// brokerURL uses the ssl scheme whenever TLS material is configured,
// since paho only applies its TLS config to ssl/tls broker URLs.
func brokerURL(b config.BrokerConfig) string {
	scheme := "tcp"
	if tlsConfigFrom(b) != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// loadFlows registers every *.js file under dir as a single-step script
// flow subscribed to the full wire root, per spec.md §4's "Flows:
// loaded from disk; reloadable". Absence of the directory is not an
// error: flows are an optional enrichment, not a startup dependency.
func loadFlows(engine *flows.Engine, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Debug("flows: no flows directory", "dir", dir, "err", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".js" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		step, err := flows.LoadScriptStep(path)
		if err != nil {
			slog.Warn("flows: failed to load script", "path", path, "err", err)
			continue
		}
		engine.Register(&flows.Flow{
			Name:               entry.Name(),
			InputSubscriptions: []string{topic.DefaultWireRoot + "/#"},
			Steps:              []flows.Step{step},
		})
	}
}

func (a *app) close() {
	a.local.Close()
	a.cloud.Close()
	a.entities.Close()
	a.seriesStore.Close()
}

// dispatchLoop is the mapper's single-writer message pump: every
// inbound message, local or cloud, is handled to completion before the
// next is read, per spec.md §5's "all mutation flows through message
// passing" shared-resource policy.
func (a *app) dispatchLoop(ctx context.Context, localMsgs, cloudMsgs <-chan mqttsession.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-localMsgs:
			if !ok {
				return
			}
			a.handleLocal(ctx, m)
		case m, ok := <-cloudMsgs:
			if !ok {
				return
			}
			a.handleCloud(ctx, m)
		}
	}
}

func (a *app) handleLocal(ctx context.Context, m mqttsession.Message) {
	if err := a.bridge.OnLocalMessage(ctx, bridge.Message{Topic: m.Topic, Payload: m.Payload, Qos: m.Qos, Retain: m.Retain}); err != nil {
		slog.Warn("bridge: local forward failed", "topic", m.Topic, "err", err)
	}

	for _, out := range a.flowEngine.Dispatch(flows.Message{Topic: m.Topic, Payload: m.Payload, Qos: m.Qos, Retain: m.Retain}) {
		if _, err := a.local.Publish(ctx, out.Topic, out.Qos, out.Retain, out.Payload); err != nil {
			slog.Warn("flows: failed to publish step output", "topic", out.Topic, "err", err)
		}
	}

	id, rest, err := topic.ParseTopicId(a.wireRoot, m.Topic)
	if err != nil {
		return
	}
	if len(rest) == 0 {
		if _, _, err := a.entities.AutoRegister(id, a.mainDeviceExternalID); err != nil {
			slog.Warn("entitystore: auto-register failed", "topic", m.Topic, "err", err)
		}
		return
	}

	// Any other channel (telemetry, twin, command) implies the entity
	// exists; per spec.md §4.3 a message for a TopicId that isn't yet
	// registered triggers auto-registration before further processing.
	a.ensureRegistered(id)

	switch {
	case len(rest) == 2 && rest[0] == "cmd":
		a.handleCapabilityAdvertisement(ctx, id, rest[1], m.Payload)
	case len(rest) == 3 && rest[0] == "cmd":
		a.handleCommandUpdate(ctx, id, rest[1], rest[2], m.Payload)
	}
}

// ensureRegistered auto-registers id if the entity store doesn't
// already know it, per spec.md §4.3.
func (a *app) ensureRegistered(id topic.TopicId) {
	if _, ok := a.entities.Get(id); ok {
		return
	}
	if _, _, err := a.entities.AutoRegister(id, a.mainDeviceExternalID); err != nil {
		slog.Warn("entitystore: auto-register failed", "topic", id.Topic(), "err", err)
	}
}

// handleCapabilityAdvertisement reacts to a peer publishing its own
// CommandMetadata(op) capability declaration by advertising it onward
// (deduped), per spec.md §4.4's "Capability advertisement".
func (a *app) handleCapabilityAdvertisement(ctx context.Context, target topic.TopicId, op string, payload []byte) {
	var meta command.Metadata
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &meta); err != nil {
			slog.Warn("orchestrator: malformed capability metadata", "op", op, "err", err)
			return
		}
	}
	if err := a.orchestrator.AdvertiseCapability(ctx, target, op, meta.Types); err != nil {
		slog.Warn("orchestrator: advertise capability failed", "op", op, "err", err)
	}
}

func (a *app) handleCommandUpdate(ctx context.Context, target topic.TopicId, op, cmdID string, payload []byte) {
	var p command.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("orchestrator: malformed command payload", "op", op, "id", cmdID, "err", err)
		return
	}
	cmd := command.Command{Target: target, Op: op, Id: cmdID, Payload: p}
	if err := a.orchestrator.OnCommandUpdate(ctx, cmd); err != nil {
		slog.Warn("orchestrator: command update failed", "op", op, "id", cmdID, "err", err)
	}
	a.publishCloudStatus(ctx, cmd)
}

// publishCloudStatus mirrors a local command's status onto the cloud
// session's SmartREST status topic, per spec.md §4.5: only Executing,
// Successful and Failed transitions are cloud-visible, so an
// unsupported status (e.g. Init/Scheduled) is silently skipped rather
// than treated as an error.
func (a *app) publishCloudStatus(ctx context.Context, cmd command.Command) {
	switch cmd.Payload.Status {
	case command.StatusExecuting, command.StatusSuccessful, command.StatusFailed:
	default:
		return
	}

	externalID := a.orchestrator.ExternalID(cmd.Target, a.mainDeviceExternalID)
	line, err := a.converter.EncodeStatus(cmd.Op, cmd.Id, cmd.Payload.Status, cmd.Payload.Reason)
	if err != nil {
		slog.Debug("converter: no cloud template for status", "op", cmd.Op, "status", cmd.Payload.Status, "err", err)
		return
	}
	if _, err := a.cloud.Publish(ctx, a.cloudStatusTopicFor(externalID), 1, false, []byte(line)); err != nil {
		slog.Warn("converter: failed to publish cloud status", "op", cmd.Op, "err", err)
	}
}

// cloudStatusTopicFor returns the SmartREST status topic for
// externalID: the main device's own topic for its own external id, a
// per-child suffixed topic otherwise, per original_source's
// C8Y_CHILD_PUBLISH_TOPIC_NAME convention ("s/us/<external-id>").
func (a *app) cloudStatusTopicFor(externalID string) string {
	if externalID == "" || externalID == a.mainDeviceExternalID {
		return cloudStatusTopic
	}
	return cloudStatusTopic + "/" + externalID
}

func (a *app) handleCloud(ctx context.Context, m mqttsession.Message) {
	if target, ok := a.cloudRequestTarget(m.Topic); ok {
		a.handleCloudRequest(ctx, target, m.Payload)
		return
	}
	if err := a.bridge.OnCloudMessage(ctx, bridge.Message{Topic: m.Topic, Payload: m.Payload, Qos: m.Qos, Retain: m.Retain}); err != nil {
		slog.Warn("bridge: cloud forward failed", "topic", m.Topic, "err", err)
	}
}

// cloudRequestTarget reports whether cloudTopic is a SmartREST
// operation-request topic ("s/ds" for the main device, "s/ds/<external
// id>" for a child), resolving it to the local TopicId the request
// addresses.
func (a *app) cloudRequestTarget(cloudTopic string) (topic.TopicId, bool) {
	if cloudTopic == cloudRequestTopic {
		return topic.NewMainDevice(), true
	}
	prefix := cloudRequestTopic + "/"
	if !strings.HasPrefix(cloudTopic, prefix) {
		return topic.TopicId{}, false
	}
	externalID := strings.TrimPrefix(cloudTopic, prefix)
	e, ok := a.entities.GetByExternalId(externalID)
	if !ok {
		slog.Warn("orchestrator: cloud request for unregistered external id", "external_id", externalID)
		return topic.TopicId{}, false
	}
	return e.TopicId, true
}

// handleCloudRequest decodes a cloud-originated SmartREST operation
// request and originates the corresponding local command, per spec.md
// §4.5/§4.4. Config/firmware updates expose the requested artifact via
// CacheHandoffHandler.Prepare before the command is created, so the
// local peer can already fetch it once it observes the command.
func (a *app) handleCloudRequest(ctx context.Context, target topic.TopicId, payload []byte) {
	cmd, ok, err := a.converter.ParseCloudRequest(target, string(payload))
	if err != nil {
		slog.Warn("converter: malformed cloud request", "err", err)
		return
	}
	if !ok {
		return
	}

	if handoff, isHandoff := a.cacheHandoff[cmd.Op]; isHandoff {
		if err := handoff.Prepare(ctx, cmd); err != nil {
			slog.Warn("orchestrator: cache hand-off prepare failed", "op", cmd.Op, "err", err)
			return
		}
	}

	if err := a.orchestrator.Create(ctx, cmd, a.commandTimeout); err != nil {
		slog.Warn("orchestrator: failed to create command from cloud request", "op", cmd.Op, "err", err)
		return
	}

	if cmd.Op == "software_update" {
		updates := softwareUpdatesFromExtra(cmd.Payload.Extra)
		go func() {
			if _, err := a.softwareUpdates.Run(context.Background(), cmd, updates, a.plugins.Default); err != nil {
				slog.Warn("orchestrator: software_update run failed", "id", cmd.Id, "err", err)
			}
		}()
	}
}

// softwareUpdatesFromExtra decodes the flattened arg0/arg1/... fields
// ParseCloudRequest produces for a software_update request back into
// the module update list: per SmartREST template 528
// (original_source/crates/core/c8y_smartrest/src/smartrest_deserializer.rs),
// arg0 is the target external id and the remaining args repeat in
// groups of four: name, version, url, action, where the wire action
// "delete" denotes an uninstall (swplugin.ActionRemove).
func softwareUpdatesFromExtra(extra map[string]any) []swplugin.Update {
	var updates []swplugin.Update
	for i := 1; ; i += 4 {
		name, _ := extra[fmt.Sprintf("arg%d", i)].(string)
		if name == "" {
			break
		}
		version, _ := extra[fmt.Sprintf("arg%d", i+1)].(string)
		url, _ := extra[fmt.Sprintf("arg%d", i+2)].(string)
		action, _ := extra[fmt.Sprintf("arg%d", i+3)].(string)
		if action == "delete" {
			action = string(swplugin.ActionRemove)
		}
		updates = append(updates, swplugin.Update{
			Module: swplugin.Module{Name: name, Version: version, URL: url},
			Action: swplugin.Action(action),
		})
	}
	return updates
}
