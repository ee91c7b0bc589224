package flows

import (
	"encoding/json"
	"strings"
	"time"
)

// SkipHealth drops messages on a health-status channel, the common
// first step of a flow that only wants to see data channels, per
// spec.md §3's channel taxonomy.
type SkipHealth struct{}

func (SkipHealth) OnMessage(_ Context, msg Message) ([]Message, error) {
	if strings.Contains(msg.Topic, "/status/health") {
		return nil, nil
	}
	return []Message{msg}, nil
}

// TimestampFormat names the wire representation add-timestamp should
// produce, per spec.md §4.6's "Timestamp reformatting".
type TimestampFormat int

const (
	FormatUnixSeconds TimestampFormat = iota
	FormatRFC3339
)

// AddTimestamp implements spec.md §4.6's add-timestamp step: if
// Reformat is true and the message already carries Property, it is
// converted to Format; otherwise the current time (from ctx.Now) is
// injected under Property in Format.
type AddTimestamp struct {
	Property string
	Format   TimestampFormat
	Reformat bool
}

func (s AddTimestamp) OnMessage(ctx Context, msg Message) ([]Message, error) {
	var body map[string]any
	if len(msg.Payload) == 0 {
		body = map[string]any{}
	} else if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return nil, errStepInput("add-timestamp", "payload is not a JSON object")
	}

	var t time.Time
	existing, hasExisting := body[s.Property]
	if s.Reformat && hasExisting {
		parsed, err := parseTimestampValue(existing)
		if err != nil {
			return nil, errStepInput("add-timestamp", err.Error())
		}
		t = parsed
	} else {
		t = ctx.Now()
	}

	body[s.Property] = formatTimestamp(t, s.Format)

	out, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	msg.Payload = out
	return []Message{msg}, nil
}

func formatTimestamp(t time.Time, format TimestampFormat) any {
	switch format {
	case FormatUnixSeconds:
		return t.Unix()
	default:
		return t.UTC().Format(time.RFC3339)
	}
}

func parseTimestampValue(v any) (time.Time, error) {
	switch val := v.(type) {
	case float64:
		return time.Unix(int64(val), 0).UTC(), nil
	case string:
		return time.Parse(time.RFC3339, val)
	default:
		return time.Time{}, errStepInput("add-timestamp", "existing timestamp has unsupported type")
	}
}

// LimitPayload implements spec.md §4.6's size-limit step (mirroring the
// cloud converter's own payload trimming, C7): payloads over MaxBytes
// are dropped with a warning rather than forwarded truncated, since
// unlike the CSV wire format a JSON payload can't be safely cut
// mid-structure.
type LimitPayload struct {
	MaxBytes int
}

func (s LimitPayload) OnMessage(_ Context, msg Message) ([]Message, error) {
	if len(msg.Payload) <= s.MaxBytes {
		return []Message{msg}, nil
	}
	return nil, errStepInput("limit-payload", "payload exceeds configured size limit")
}

// SetCloudTopic implements spec.md §4.6's set-cloud-topic step:
// rewrites the outgoing topic to TargetTopic, leaving the payload
// untouched, so a later bridge rule or direct cloud publish addresses
// the rewritten destination.
type SetCloudTopic struct {
	TargetTopic string
}

func (s SetCloudTopic) OnMessage(_ Context, msg Message) ([]Message, error) {
	msg.Topic = s.TargetTopic
	return []Message{msg}, nil
}
