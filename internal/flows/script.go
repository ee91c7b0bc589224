package flows

import (
	"encoding/json"
	"os"

	"github.com/dop251/goja"

	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// ScriptStep runs a user-authored JavaScript transform, per spec.md
// §3's "Step ... or a user script identified by path". The script must
// define a top-level `onMessage(message)` function returning either a
// single message object, an array of message objects, or null/undefined
// to consume the input. Each message object has the shape
// `{topic, payload, qos, retain}`, with payload a JSON-decoded value
// (not a raw string) so scripts can manipulate it as a plain object.
//
// Grounded on github.com/dop251/goja, carried in from
// other_examples/manifests/bherbruck-bromq and
// other_examples/manifests/sandrolain-events-bridge, both of which
// embed goja to run user scripts against message payloads.
type ScriptStep struct {
	Path   string
	source string
}

// LoadScriptStep reads the script at path, grounded once at flow load
// time so a syntax error surfaces during configuration rather than on
// the first matching message.
func LoadScriptStep(path string) (*ScriptStep, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "read flow script")
	}
	if _, err := goja.Compile(path, string(src), false); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "compile flow script "+path)
	}
	return &ScriptStep{Path: path, source: string(src)}, nil
}

type scriptMessage struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Qos     byte           `json:"qos"`
	Retain  bool           `json:"retain"`
}

func (s *ScriptStep) OnMessage(ctx Context, msg Message) ([]Message, error) {
	vm := goja.New()
	if _, err := vm.RunString(s.source); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "compile flow script "+s.Path)
	}

	var onMessage func(goja.Value) goja.Value
	if err := vm.ExportTo(vm.Get("onMessage"), &onMessage); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "flow script "+s.Path+" does not export onMessage")
	}

	in, err := toScriptMessage(msg)
	if err != nil {
		return nil, errStepInput("script", err.Error())
	}

	result := onMessage(vm.ToValue(map[string]any{
		"topic":   in.Topic,
		"payload": in.Payload,
		"qos":     in.Qos,
		"retain":  in.Retain,
	}))
	return fromScriptResult(msg, result)
}

func toScriptMessage(msg Message) (scriptMessage, error) {
	out := scriptMessage{Topic: msg.Topic, Qos: msg.Qos, Retain: msg.Retain}
	if len(msg.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(msg.Payload, &out.Payload); err != nil {
		return scriptMessage{}, err
	}
	return out, nil
}

func fromScriptResult(orig Message, result goja.Value) ([]Message, error) {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	exported := result.Export()
	var raw []any
	switch v := exported.(type) {
	case []any:
		raw = v
	default:
		raw = []any{v}
	}

	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, err := messageFromExported(orig, item)
		if err != nil {
			return nil, errStepInput("script", err.Error())
		}
		out = append(out, m)
	}
	return out, nil
}

func messageFromExported(orig Message, item any) (Message, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return Message{}, errStepInput("script", "onMessage must return message objects")
	}

	m := orig
	if t, ok := obj["topic"].(string); ok {
		m.Topic = t
	}
	if payload, ok := obj["payload"]; ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		m.Payload = encoded
	}
	switch qos := obj["qos"].(type) {
	case float64:
		m.Qos = byte(qos)
	case int64:
		m.Qos = byte(qos)
	}
	if retain, ok := obj["retain"].(bool); ok {
		m.Retain = retain
	}
	return m, nil
}
