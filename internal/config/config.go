// Package config is the ambient viper-backed configuration layer,
// generalizing the teacher's pkg/cli.Cli (one flat key namespace under
// "monitor.*", env-prefixed, optional YAML file) to this module's wider
// settings: two MQTT broker connections, the wire root, command
// timeouts, and the file-transfer/cache/series-store paths spec.md's
// components need. TOML migration, PKCS#11 key loading and full CLI
// flag parsing stay out of scope (spec.md's Non-goals); this package
// only resolves settings, it never is the entrypoint itself.
package config

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SilentError marks a cobra RunE error that has already been logged,
// matching the teacher's own cli.SilentError so Execute() doesn't
// double-report it.
type SilentError error

// Config is the viper-backed settings surface every component reads
// from, mirroring the teacher's Cli type but scoped to this module.
type Config struct {
	ConfigFile string
}

// OnInit loads the config file (explicit path, or ~/.tedge-mapper-core
// discovered by viper) and binds the TEDGE_MAPPER_ env prefix, exactly
// as the teacher's Cli.OnInit does for its own CONTAINER_ prefix.
func (c *Config) OnInit() {
	if c.ConfigFile != "" {
		viper.SetConfigFile(c.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tedge-mapper-core")
	}

	viper.SetEnvPrefix("TEDGE_MAPPER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		slog.Info("Using config file", "path", viper.ConfigFileUsed())
	}
}

// PrintConfig logs every resolved setting, sorted, matching the
// teacher's own diagnostics helper.
func (c *Config) PrintConfig() {
	keys := viper.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		slog.Info("setting", "item", key, "value", viper.Get(key))
	}
}

// GetString returns one arbitrary viper key, for settings this type
// doesn't otherwise expose a typed accessor for.
func (c *Config) GetString(key string) string { return viper.GetString(key) }

// GetLogLevel returns the configured slog level name.
func (c *Config) GetLogLevel() string { return viper.GetString("mapper.log_level") }

// GetWireRoot returns the topic-schema wire root ("te" by default).
func (c *Config) GetWireRoot() string { return viper.GetString("mapper.mqtt.topic_root") }

// GetMainDeviceExternalID returns the cloud-facing external id of the
// local main device, used whenever a command handler needs to address
// the cloud on the main device's behalf.
func (c *Config) GetMainDeviceExternalID() string { return viper.GetString("mapper.device.external_id") }

// BrokerConfig names one MQTT broker's connection settings; fields
// map 1:1 onto mqttsession.Config's inputs, keeping this package free
// of an mqttsession import (config only resolves strings/durations).
type BrokerConfig struct {
	Host     string
	Port     uint16
	Username string
	Password string
	CertFile string
	KeyFile  string
	CAFile   string
}

// GetLocalBroker returns the on-device MQTT broker's connection
// settings (defaults: 127.0.0.1:1883, matching the teacher's own
// monitor.mqtt.client.* defaults).
func (c *Config) GetLocalBroker() BrokerConfig {
	return BrokerConfig{
		Host:     orDefault(viper.GetString("mapper.mqtt.client.host"), "127.0.0.1"),
		Port:     orDefaultPort(viper.GetUint16("mapper.mqtt.client.port"), 1883),
		Username: viper.GetString("mapper.mqtt.client.username"),
		Password: viper.GetString("mapper.mqtt.client.password"),
		CertFile: viper.GetString("mapper.mqtt.client.cert_file"),
		KeyFile:  viper.GetString("mapper.mqtt.client.key_file"),
		CAFile:   viper.GetString("mapper.mqtt.client.ca_file"),
	}
}

// GetCloudBroker returns the cloud-facing MQTT broker's connection
// settings (defaults to the local thin-edge MQTT bridge endpoint,
// matching the teacher's monitor.c8y.proxy.client.* defaults).
func (c *Config) GetCloudBroker() BrokerConfig {
	return BrokerConfig{
		Host:     orDefault(viper.GetString("mapper.c8y.client.host"), "127.0.0.1"),
		Port:     orDefaultPort(viper.GetUint16("mapper.c8y.client.port"), 8883),
		Username: viper.GetString("mapper.c8y.client.username"),
		Password: viper.GetString("mapper.c8y.client.password"),
		CertFile: viper.GetString("mapper.c8y.client.cert_file"),
		KeyFile:  viper.GetString("mapper.c8y.client.key_file"),
		CAFile:   viper.GetString("mapper.c8y.client.ca_file"),
	}
}

// GetCommandTimeout is the default deadline the orchestrator arms for
// a command with no operation-specific override, per spec.md §4.4's
// "Timeouts".
func (c *Config) GetCommandTimeout() time.Duration {
	d := viper.GetDuration("mapper.orchestrator.command_timeout")
	if d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// GetFileTransferHost / GetFileTransferPort address the local
// file-transfer HTTP endpoint (server out of scope; only its address
// is needed to build URLs, per spec.md's Non-goals).
func (c *Config) GetFileTransferHost() string {
	return orDefault(viper.GetString("mapper.file_transfer.host"), "127.0.0.1")
}

func (c *Config) GetFileTransferPort() int {
	if v := viper.GetInt("mapper.file_transfer.port"); v != 0 {
		return v
	}
	return 8000
}

// GetCacheDir is the root directory of the content-addressed download
// cache (internal/filetransfer.Cache) for config/firmware hand-off.
func (c *Config) GetCacheDir() string {
	return orDefault(viper.GetString("mapper.cache_dir"), "/var/tedge/cache")
}

// GetSeriesDBPath is the bbolt file backing the time-series store
// (C9), used by the flow engine's message cache; the orchestrator does
// not read or write it.
func (c *Config) GetSeriesDBPath() string {
	return orDefault(viper.GetString("mapper.series_db_path"), "/var/tedge/tedge-mapper-core/series.db")
}

// GetSoftwarePluginPath is the executable registered as
// internal/swplugin's Registry.Default, used for software_update
// requests that name no module type.
func (c *Config) GetSoftwarePluginPath() string {
	return viper.GetString("mapper.swplugin.default_path")
}

// GetFlowsDir is the directory flow scripts are loaded from. The run
// command reads it once at startup; later changes to it are not picked
// up while the mapper runs.
func (c *Config) GetFlowsDir() string {
	return orDefault(viper.GetString("mapper.flows_dir"), "/etc/tedge/flows")
}

// BridgeRule mirrors bridge.Rule's fields without this package
// importing internal/bridge, the same way BrokerConfig stays free of
// an mqttsession import: config only resolves plain settings, the
// caller converts them into the domain type it actually wires up.
type BridgeRule struct {
	TopicPattern string
	LocalPrefix  string
	RemotePrefix string
	// Direction is one of "inbound", "outbound", "bidirectional".
	Direction string
}

// defaultBridgeRules mirrors the canonical thin-edge local-bridge
// SmartREST mapping: local c8y/s/us -> cloud s/us (outbound status),
// cloud s/ds -> local c8y/s/ds (inbound requests), grounded on
// original_source/crates/extensions/tedge_mqtt_bridge's own
// forward_from_local("s/us", "c8y/", "") /
// forward_from_remote("s/ds", "c8y/", "") rule construction.
func defaultBridgeRules() []BridgeRule {
	return []BridgeRule{
		{TopicPattern: "s/us", LocalPrefix: "c8y/", RemotePrefix: "", Direction: "outbound"},
		{TopicPattern: "s/ds", LocalPrefix: "c8y/", RemotePrefix: "", Direction: "inbound"},
	}
}

// GetBridgeRules returns the configured Bridge (C2) rule set, falling
// back to defaultBridgeRules when none is configured under
// "mapper.bridge.rules".
func (c *Config) GetBridgeRules() []BridgeRule {
	if !viper.IsSet("mapper.bridge.rules") {
		return defaultBridgeRules()
	}
	var rules []BridgeRule
	if err := viper.UnmarshalKey("mapper.bridge.rules", &rules); err != nil {
		slog.Warn("config: failed to parse mapper.bridge.rules, using defaults", "err", err)
		return defaultBridgeRules()
	}
	return rules
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultPort(v, def uint16) uint16 {
	if v == 0 {
		return def
	}
	return v
}
