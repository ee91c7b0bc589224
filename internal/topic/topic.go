// Package topic implements the canonical topic schema (C4): the mapping
// between a structured TopicId + Channel pair and the wire-format MQTT
// topic string, generalizing the Target helpers from the teacher's
// tedge package (GetTopic/GetHealthTopic/GetTopicRegistration) into the
// four-segment scheme described by the design spec:
//
//	te/<root>/<device>/<component>/<instance>/<channel...>
package topic

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultWireRoot is the configurable outer MQTT namespace prefix, "te",
// under which every TopicId lives. It is not one of the four TopicId
// segments; it is the schema's fixed mount point.
const DefaultWireRoot = "te"

// RootDevice is the reserved TopicId root naming the local physical
// device and everything hanging off it (children, services).
const RootDevice = "device"

// MainDeviceId is the reserved device segment for the local physical
// device itself, as opposed to a child device.
const MainDeviceId = "main"

// TopicId is the four-segment hierarchical identity of an entity:
// (root, device, component, instance). TopicIds are totally ordered
// lexicographically and are the primary key of the entity store.
type TopicId struct {
	Root      string
	Device    string
	Component string
	Instance  string

	// CloudIdentity is not part of the wire topic; it is the cloud-side
	// external id once resolved, carried alongside for convenience.
	CloudIdentity string
}

// NewMainDevice returns the TopicId of the local physical device:
// (device, main, "", "").
func NewMainDevice() TopicId {
	return TopicId{Root: RootDevice, Device: MainDeviceId}
}

// IsMainDevice reports whether t identifies the main device itself
// (no component, no instance).
func (t TopicId) IsMainDevice() bool {
	return t.Root == RootDevice && t.Device == MainDeviceId && t.Component == "" && t.Instance == ""
}

// Service returns the TopicId of a service running under this entity,
// named `name`, e.g. device/main/service/<name>.
func (t TopicId) Service(name string) TopicId {
	child := t
	child.Component = "service"
	child.Instance = name
	return child
}

// Child returns the TopicId of a child device of t, addressed by its
// own device segment; children share the parent's root.
func (t TopicId) Child(name string) TopicId {
	return TopicId{Root: t.Root, Device: name}
}

// Topic returns the bare entity topic (without the "te" wire root or
// any channel suffix), e.g. "device/main/service/foo".
func (t TopicId) Topic() string {
	return strings.Join([]string{t.Root, t.Device, t.Component, t.Instance}, "/")
}

// String implements fmt.Stringer and also serves as the entity-store key.
func (t TopicId) String() string { return t.Topic() }

// Less implements the total lexicographic order over TopicIds required
// for the entity store's primary key ordering.
func (t TopicId) Less(other TopicId) bool {
	return t.Topic() < other.Topic()
}

// ExternalId is the default synthetic external id used when auto-
// registering an entity with no explicit one supplied: mainDeviceId
// joined with every non-empty segment other than the reserved main-device
// segment, colon separated.
func (t TopicId) ExternalId(mainDeviceId string) string {
	parts := []string{mainDeviceId}
	for _, s := range []string{t.Device, t.Component, t.Instance} {
		if s != "" && s != MainDeviceId {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ParseTopicId parses the entity-identifying prefix of a full MQTT
// topic (including the wire root) back into a TopicId, the inverse of
// TopicFor's id component. It returns the remaining channel segments.
func ParseTopicId(wireRoot, mqttTopic string) (TopicId, []string, error) {
	prefix := wireRoot + "/"
	if !strings.HasPrefix(mqttTopic, prefix) {
		return TopicId{}, nil, errors.Errorf("topic %q does not start with wire root %q", mqttTopic, wireRoot)
	}
	parts := strings.Split(strings.TrimPrefix(mqttTopic, prefix), "/")
	if len(parts) < 4 {
		return TopicId{}, nil, errors.Errorf("topic %q has fewer than 4 identity segments", mqttTopic)
	}
	t := TopicId{
		Root:      parts[0],
		Device:    parts[1],
		Component: parts[2],
		Instance:  parts[3],
	}
	return t, parts[4:], nil
}

// ChannelKind enumerates the message-purpose tag attached to a TopicId.
type ChannelKind int

const (
	ChannelMeasurement ChannelKind = iota
	ChannelEvent
	ChannelAlarm
	ChannelTwin
	ChannelCommand
	ChannelCommandMetadata
	ChannelHealth
)

// Channel is the tag attached to a TopicId describing message purpose,
// per spec.md §3.
type Channel struct {
	Kind ChannelKind
	// Type is the measurement/event/alarm type or twin fragment name.
	Type string
	// Op is the operation name for Command/CommandMetadata channels.
	Op string
	// CmdId is the command instance id for Command channels; empty for
	// CommandMetadata (capability advertisement has no instance).
	CmdId string
}

func Measurement(t string) Channel  { return Channel{Kind: ChannelMeasurement, Type: t} }
func Event(t string) Channel        { return Channel{Kind: ChannelEvent, Type: t} }
func Alarm(t string) Channel        { return Channel{Kind: ChannelAlarm, Type: t} }
func Twin(fragment string) Channel  { return Channel{Kind: ChannelTwin, Type: fragment} }
func Health() Channel               { return Channel{Kind: ChannelHealth} }
func CommandMetadata(op string) Channel {
	return Channel{Kind: ChannelCommandMetadata, Op: op}
}
func Command(op, id string) Channel {
	return Channel{Kind: ChannelCommand, Op: op, CmdId: id}
}

// suffix returns the channel-specific trailing topic segments.
func (c Channel) suffix() []string {
	switch c.Kind {
	case ChannelMeasurement:
		return []string{"m", c.Type}
	case ChannelEvent:
		return []string{"e", c.Type}
	case ChannelAlarm:
		return []string{"a", c.Type}
	case ChannelTwin:
		return []string{"twin", c.Type}
	case ChannelCommand:
		if c.CmdId == "" {
			return []string{"cmd", c.Op}
		}
		return []string{"cmd", c.Op, c.CmdId}
	case ChannelCommandMetadata:
		return []string{"cmd", c.Op}
	case ChannelHealth:
		return []string{"status", "health"}
	default:
		return nil
	}
}

// TopicFor returns the full MQTT topic for (wireRoot, TopicId, Channel),
// e.g. "te/device/main/service/myapp/status/health".
func TopicFor(wireRoot string, id TopicId, ch Channel) string {
	full := []string{wireRoot, id.Root, id.Device, id.Component, id.Instance}
	full = append(full, ch.suffix()...)
	return strings.Join(full, "/")
}

// EntityChannelOf is the inverse of TopicFor: it recovers (TopicId, Channel)
// from a full wire topic under wireRoot. The spec's round-trip property
// requires TopicFor(wireRoot, EntityChannelOf(wireRoot, x)) == x for
// every valid topic x.
func EntityChannelOf(wireRoot, mqttTopic string) (TopicId, Channel, error) {
	id, rest, err := ParseTopicId(wireRoot, mqttTopic)
	if err != nil {
		return TopicId{}, Channel{}, err
	}
	switch {
	case len(rest) == 2 && rest[0] == "m":
		return id, Measurement(rest[1]), nil
	case len(rest) == 2 && rest[0] == "e":
		return id, Event(rest[1]), nil
	case len(rest) == 2 && rest[0] == "a":
		return id, Alarm(rest[1]), nil
	case len(rest) == 2 && rest[0] == "twin":
		return id, Twin(rest[1]), nil
	case len(rest) == 2 && rest[0] == "cmd":
		return id, CommandMetadata(rest[1]), nil
	case len(rest) == 3 && rest[0] == "cmd":
		return id, Command(rest[1], rest[2]), nil
	case len(rest) == 2 && rest[0] == "status" && rest[1] == "health":
		return id, Health(), nil
	default:
		return TopicId{}, Channel{}, errors.Errorf("unrecognized channel suffix %v on topic %q", rest, mqttTopic)
	}
}

// MatchesWildcard reports whether an MQTT topic matches a filter
// containing '+' (single segment) and '#' (any suffix) wildcards, the
// semantics shared by subscriptions and bridge rule patterns.
func MatchesWildcard(filter, topicStr string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topicStr, "/")
	for i, f := range fParts {
		if f == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// RegistrationTopic is the bare wire topic used for retained
// registration messages, e.g. "te/device/child1//".
func RegistrationTopic(wireRoot string, id TopicId) string {
	return wireRoot + "/" + id.Topic()
}
