// Package swplugin runs external software module plugins, generalizing
// the teacher's cmd/{list,install,remove,prepare,updateList}.go - which
// hard-wired this same list/prepare/install/remove/update-list contract
// to the Docker SDK for one module type - into an executable-backed
// runner for any number of module types.
package swplugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// Module describes one installable software package, the unit the
// orchestrator's software_update command operates on.
type Module struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Action is what update-list should do with a module.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
)

// Update pairs a module with the action to apply to it.
type Update struct {
	Module Module `json:"module"`
	Action Action `json:"action"`
}

// Plugin runs one module-type's plugin executable, matching the verbs
// the teacher's container plugin implements: list, prepare, install,
// remove, update-list, finalize.
type Plugin struct {
	// Type names this plugin within the cloud's per-type software list
	// (spec.md §4.4's "refreshes the installed-software list").
	Type string
	// Path is the plugin executable invoked for every verb.
	Path string
}

func (p *Plugin) run(ctx context.Context, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Path, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		slog.Warn("swplugin: invocation failed", "type", p.Type, "args", args, "stderr", errOut.String())
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "plugin "+strings.Join(args, " "))
	}
	return out.Bytes(), nil
}

// List returns every module of this type currently installed, one per
// line as "<name>\t<version>", matching the teacher's list.go output
// shape.
func (p *Plugin) List(ctx context.Context) ([]Module, error) {
	out, err := p.run(ctx, []string{"list"}, nil)
	if err != nil {
		return nil, err
	}
	var modules []Module
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		m := Module{Name: parts[0]}
		if len(parts) > 1 {
			m.Version = parts[1]
		}
		modules = append(modules, m)
	}
	return modules, nil
}

// Prepare is called once before a batch of install/remove calls.
func (p *Plugin) Prepare(ctx context.Context) error {
	_, err := p.run(ctx, []string{"prepare"}, nil)
	return err
}

// Install installs one module at the given version, optionally from a
// pre-downloaded file (the config/firmware/software hand-off path spec.md
// §4.4 describes via the file-transfer cache).
func (p *Plugin) Install(ctx context.Context, m Module, file string) error {
	args := []string{"install", m.Name}
	if m.Version != "" {
		args = append(args, "--module-version", m.Version)
	}
	if file != "" {
		args = append(args, "--file", file)
	}
	_, err := p.run(ctx, args, nil)
	return err
}

// Remove uninstalls one module.
func (p *Plugin) Remove(ctx context.Context, m Module) error {
	args := []string{"remove", m.Name}
	if m.Version != "" {
		args = append(args, "--module-version", m.Version)
	}
	_, err := p.run(ctx, args, nil)
	return err
}

// UpdateList applies a batch of install/remove actions in one call,
// fed as JSON lines on stdin, for plugins that can do this more
// efficiently than one install/remove invocation per module.
func (p *Plugin) UpdateList(ctx context.Context, updates []Update) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, u := range updates {
		if err := enc.Encode(u); err != nil {
			return tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "encode update-list")
		}
	}
	_, err := p.run(ctx, []string{"update-list"}, buf.Bytes())
	return err
}

// Finalize is called once after a batch completes, successfully or not.
func (p *Plugin) Finalize(ctx context.Context) error {
	_, err := p.run(ctx, []string{"finalize"}, nil)
	return err
}

// Registry dispatches to the right Plugin by module type, the shape
// the orchestrator's software_update handler needs when a request spans
// multiple plugin types (spec.md's SoftwareRequestResponseSoftwareList
// grouping, carried from original_source/tedge_api/commands.rs).
type Registry struct {
	plugins map[string]*Plugin
	Default string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Register adds a plugin under its Type.
func (r *Registry) Register(p *Plugin) { r.plugins[p.Type] = p }

// Lookup returns the plugin for moduleType, falling back to Default
// when moduleType is empty.
func (r *Registry) Lookup(moduleType string) (*Plugin, bool) {
	if moduleType == "" {
		moduleType = r.Default
	}
	p, ok := r.plugins[moduleType]
	return p, ok
}
