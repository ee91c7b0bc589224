// Package command implements the typed command model (C5): the
// request/response status lifecycle shared by every long-running
// operation, its JSON wire representation, and capability
// advertisement bookkeeping.
package command

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// Status is the lifecycle state of a command, per spec.md §4.4:
//
//	Init -> Scheduled -> Executing -> {Successful | Failed}
type Status string

const (
	StatusInit       Status = "init"
	StatusScheduled  Status = "scheduled"
	StatusExecuting  Status = "executing"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	// StatusUnknown is a sink state for custom workflow states beyond
	// the canonical five; the core forwards but does not interpret it.
	StatusUnknown Status = "unknown"
)

// IsTerminal reports whether status ends the command's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// NewId generates a fresh CmdId for orchestrator-originated commands.
func NewId() string { return uuid.NewString() }

// Payload is the generic JSON body of a command instance. Fields beyond
// Status/Reason are operation-specific and carried in Extra.
type Payload struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Extra  map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the well-known fields, so the
// wire payload is a single flat JSON object rather than a nested one.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["status"] = p.Status
	if p.Reason != "" {
		out["reason"] = p.Reason
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: known fields are lifted
// out, everything else lands in Extra. This is what makes the JSON
// encode/decode round-trip (spec.md §8) the identity for well-formed
// commands: re-marshaling Extra plus Status/Reason reproduces the
// original object (key order aside, which JSON treats as equivalent).
func (p *Payload) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["status"]; ok {
		if s, ok := v.(string); ok {
			p.Status = Status(s)
		}
		delete(raw, "status")
	}
	if v, ok := raw["reason"]; ok {
		if s, ok := v.(string); ok {
			p.Reason = s
		}
		delete(raw, "reason")
	}
	p.Extra = raw
	return nil
}

// Command is a single (target, op, id) command instance, retained on
// its MQTT topic for crash recovery.
type Command struct {
	Target  topic.TopicId
	Op      string
	Id      string
	Payload Payload
}

// Topic returns the retained command-instance topic under wireRoot.
func (c Command) Topic(wireRoot string) string {
	return topic.TopicFor(wireRoot, c.Target, topic.Command(c.Op, c.Id))
}

// MetadataTopic returns the retained capability-advertisement topic
// for this command's operation.
func (c Command) MetadataTopic(wireRoot string) string {
	return topic.TopicFor(wireRoot, c.Target, topic.CommandMetadata(c.Op))
}

// Metadata is the retained capability-advertisement payload for an
// operation: optionally enumerating supported sub-types (e.g. config
// types for config_snapshot/config_update).
type Metadata struct {
	Types []string `json:"types,omitempty"`
}
