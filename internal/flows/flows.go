// Package flows implements the Flow Engine (C8): a DAG-free pipeline of
// ordered steps applied to subscribed MQTT inputs, with a message cache
// backed by internal/series for windowed joins, per spec.md §4.6.
//
// The teacher has no equivalent pipeline; this package is grounded on
// the teacher's own style (narrow collaborator interfaces, slog
// logging, pkg/errors wrapping) generalized to the step-based runtime
// the spec describes, and on github.com/dop251/goja (carried in from
// other_examples/manifests/bherbruck-bromq and
// other_examples/manifests/sandrolain-events-bridge) for user script
// steps.
package flows

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/thin-edge/tedge-mapper-core/internal/series"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// Message is the session-agnostic unit a flow step consumes and
// produces, mirroring bridge.Message/mqttsession.Message's shape so
// the engine can sit on either side of the bus without adapters.
type Message struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

// Context is the scoped handle a step's OnMessage receives: the
// current time (injectable in tests) and access to this flow's C9
// series, per spec.md §4.6's "FlowContext handle ... scoped access to
// C9 series keyed by flow name".
type Context interface {
	Now() time.Time
	Store(seriesName string, ts series.Timestamp, message json.RawMessage) error
	DrainOlderThan(seriesName string, cutoff series.Timestamp) ([]series.Record, error)
	QueryAll(seriesName string) ([]series.Record, error)
}

// flowContext is the concrete Context bound to one flow: every series
// name is namespaced under the flow's own name so two flows never
// collide in the shared C9 store.
type flowContext struct {
	flowName string
	store    *series.Store
	now      func() time.Time
}

func (c *flowContext) Now() time.Time { return c.now() }

func (c *flowContext) seriesKey(name string) string { return c.flowName + "/" + name }

func (c *flowContext) Store(name string, ts series.Timestamp, message json.RawMessage) error {
	return c.store.Store(c.seriesKey(name), ts, message)
}

func (c *flowContext) DrainOlderThan(name string, cutoff series.Timestamp) ([]series.Record, error) {
	return c.store.DrainOlderThan(c.seriesKey(name), cutoff)
}

func (c *flowContext) QueryAll(name string) ([]series.Record, error) {
	return c.store.QueryAll(c.seriesKey(name))
}

// Step is one stage of a flow's pipeline: on_message(now, msg, ctx) ->
// Result<Vec<Message>, Error>, per spec.md §4.6's "Step contract". A
// step may consume the message (return nil), transform it (return
// one), or emit many.
type Step interface {
	OnMessage(ctx Context, msg Message) ([]Message, error)
}

// Flow is a named pipeline: ordered steps applied to every message
// matching one of InputSubscriptions, with non-recoverable step errors
// routed to ErrorTopic rather than dropped silently.
type Flow struct {
	Name               string
	InputSubscriptions []string
	Steps              []Step
	ErrorTopic         string
}

// Matches reports whether msgTopic is covered by one of the flow's
// input subscriptions.
func (f *Flow) Matches(msgTopic string) bool {
	for _, sub := range f.InputSubscriptions {
		if topic.MatchesWildcard(sub, msgTopic) {
			return true
		}
	}
	return false
}

// Run pushes msg through every step in declaration order, fanning out
// when a step emits more than one message and short-circuiting once no
// messages remain, per spec.md §4.6's "Steps run in declaration order
// ... A step may consume the message (return empty), transform it
// (return one), or emit many."
func (f *Flow) Run(ctx Context, msg Message) ([]Message, error) {
	pending := []Message{msg}
	for _, step := range f.Steps {
		if len(pending) == 0 {
			break
		}
		var next []Message
		for _, m := range pending {
			out, err := step.OnMessage(ctx, m)
			if err != nil {
				return nil, errors.Wrapf(err, "flow %q step failed", f.Name)
			}
			next = append(next, out...)
		}
		pending = next
	}
	return pending, nil
}

// Engine owns a set of flows sharing one C9 store, dispatching each
// inbound message to every flow whose subscriptions match it, per
// spec.md §4.6's determinism guarantee: "the runtime may interleave
// flows on different inputs but never splits a single flow's step
// sequence across tasks" — Dispatch runs one flow's Run to completion
// before starting the next.
type Engine struct {
	flows []*Flow
	store *series.Store
	now   func() time.Time
}

// New constructs an Engine backed by store. now defaults to time.Now
// when nil, overridable in tests for deterministic timestamps.
func New(store *series.Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, now: now}
}

// Register adds f to the engine, reloadable by calling Register again
// with a Flow of the same Name after Unregister, per spec.md §4's
// "Flows: loaded from disk; reloadable; runtime state lives only in
// C8/C9."
func (e *Engine) Register(f *Flow) {
	e.flows = append(e.flows, f)
}

// Unregister removes the flow named name, if present.
func (e *Engine) Unregister(name string) {
	out := e.flows[:0]
	for _, f := range e.flows {
		if f.Name != name {
			out = append(out, f)
		}
	}
	e.flows = out
}

// Dispatch runs msg through every matching flow, in registration
// order, and returns the concatenated output messages plus any error
// messages destined for their flow's ErrorTopic. A step error in one
// flow does not prevent other flows from processing the same input.
func (e *Engine) Dispatch(msg Message) []Message {
	var out []Message
	for _, f := range e.flows {
		if !f.Matches(msg.Topic) {
			continue
		}
		ctx := &flowContext{flowName: f.Name, store: e.store, now: e.now}
		produced, err := f.Run(ctx, msg)
		if err != nil {
			slog.Warn("flows: step failed", "flow", f.Name, "topic", msg.Topic, "err", err)
			if f.ErrorTopic != "" {
				out = append(out, Message{
					Topic:   f.ErrorTopic,
					Payload: []byte(err.Error()),
				})
			}
			continue
		}
		out = append(out, produced...)
	}
	return out
}

// errStepInput classifies a step's own input-shape failures (e.g. a
// non-JSON payload where a builtin step expects one) as protocol
// violations: dropped with a warning, per spec.md §7.
func errStepInput(step, reason string) error {
	return tedgeerr.New(tedgeerr.KindProtocolViolation, step+": "+reason)
}
