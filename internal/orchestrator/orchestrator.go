// Package orchestrator implements the Operation Orchestrator (C6): the
// per-(target, op, cmd_id) state machine that owns every long-running
// command, timing it out, advancing it through peer hand-offs, and
// refreshing capability advertisements, as described by spec.md §4.4.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/entitystore"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// EntityResolver looks up the registered entity for a TopicId, used to
// recover the external id an artifact upload must be addressed to.
type EntityResolver interface {
	Get(id topic.TopicId) (entitystore.Entity, bool)
}

// Publisher is the narrow local-bus interface the orchestrator needs,
// matching bridge.Publisher so the same mqttsession.Session satisfies
// both without the orchestrator importing the bridge package.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, qos byte, retain bool, payload []byte) (uint16, error)
}

// Scheduler arms a one-shot timer for a command's deadline. A fake in
// tests can fire immediately; the real implementation is time.AfterFunc.
type Scheduler interface {
	// Schedule invokes fn once after d elapses, and returns a function
	// that cancels it if the command reaches a terminal state first.
	Schedule(d time.Duration, fn func()) (cancel func())
}

type realScheduler struct{}

// RealScheduler is the production Scheduler backed by time.AfterFunc.
func RealScheduler() Scheduler { return realScheduler{} }

func (realScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Handler advances one operation kind's command to completion once its
// peer reports Successful or Failed. Handlers are registered by
// operation name; the orchestrator itself owns only the generic
// create/timeout/status-forwarding machinery.
type Handler interface {
	// OnTerminal is invoked once when a tracked command reaches
	// Successful or Failed, after the generic bookkeeping below.
	OnTerminal(ctx context.Context, cmd command.Command) error
}

// trackedCommand is the orchestrator's bookkeeping for one inflight
// (target, op, cmd_id), matching spec.md §4.4's "Ownership" rule: one
// handler per instance, resumed from the retained topic at startup.
type trackedCommand struct {
	cmd          command.Command
	cancelTimer  func()
}

// Orchestrator owns every inflight command's lifecycle.
type Orchestrator struct {
	Local     Publisher
	WireRoot  string
	Scheduler Scheduler
	Entities  EntityResolver

	mu       sync.Mutex
	tracked  map[string]*trackedCommand // keyed by Topic(wireRoot)
	handlers map[string]Handler         // keyed by operation name
	advertised map[string]bool          // keyed by target.Topic()+op, capability dedup
}

// New constructs an Orchestrator. scheduler may be nil to use the
// production time.AfterFunc-backed one.
func New(local Publisher, wireRoot string, scheduler Scheduler) *Orchestrator {
	if scheduler == nil {
		scheduler = RealScheduler()
	}
	return &Orchestrator{
		Local:      local,
		WireRoot:   wireRoot,
		Scheduler:  scheduler,
		tracked:    make(map[string]*trackedCommand),
		handlers:   make(map[string]Handler),
		advertised: make(map[string]bool),
	}
}

// RegisterHandler binds a Handler to operation. It is called once per
// terminal transition of any command of that operation.
func (o *Orchestrator) RegisterHandler(operation string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[operation] = h
}

// Create starts tracking a brand-new command in Init status, publishes
// it retained on its command topic, and arms its timeout, per spec.md
// §4.4's "Timeouts" and "Ownership".
func (o *Orchestrator) Create(ctx context.Context, cmd command.Command, timeout time.Duration) error {
	wireTopic := cmd.Topic(o.WireRoot)

	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "marshal command payload")
	}
	if _, err := o.Local.PublishRaw(ctx, wireTopic, 1, true, payload); err != nil {
		return err
	}

	tc := &trackedCommand{cmd: cmd}
	if timeout > 0 {
		tc.cancelTimer = o.Scheduler.Schedule(timeout, func() {
			o.onTimeout(context.Background(), wireTopic)
		})
	}

	o.mu.Lock()
	o.tracked[wireTopic] = tc
	o.mu.Unlock()
	return nil
}

// OnCommandUpdate is called for every retained command-topic message
// observed, including this orchestrator's own publishes and updates
// made by a local peer. Non-terminal transitions just update the
// tracked snapshot; terminal ones cancel the timeout, invoke the
// operation's Handler, and stop tracking the command.
func (o *Orchestrator) OnCommandUpdate(ctx context.Context, cmd command.Command) error {
	wireTopic := cmd.Topic(o.WireRoot)

	o.mu.Lock()
	tc, ok := o.tracked[wireTopic]
	if !ok {
		tc = &trackedCommand{}
		o.tracked[wireTopic] = tc
	}
	tc.cmd = cmd
	handler := o.handlers[cmd.Op]
	terminal := cmd.Payload.Status.IsTerminal()
	if terminal && tc.cancelTimer != nil {
		tc.cancelTimer()
		tc.cancelTimer = nil
	}
	o.mu.Unlock()

	if !terminal {
		return nil
	}
	defer func() {
		o.mu.Lock()
		delete(o.tracked, wireTopic)
		o.mu.Unlock()
	}()
	if handler == nil {
		return nil
	}
	return handler.OnTerminal(ctx, cmd)
}

// Transition publishes cmd's status update retained on its command
// topic and runs it through the same bookkeeping OnCommandUpdate would
// apply to an externally-observed update. It is how a handler (or the
// in-process local peer it drives) advances a command it owns.
func (o *Orchestrator) Transition(ctx context.Context, cmd command.Command, status command.Status, reason string) (command.Command, error) {
	cmd.Payload.Status = status
	cmd.Payload.Reason = reason

	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return cmd, tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "marshal command payload")
	}
	if _, err := o.Local.PublishRaw(ctx, cmd.Topic(o.WireRoot), 1, true, payload); err != nil {
		return cmd, err
	}
	return cmd, o.OnCommandUpdate(ctx, cmd)
}

func (o *Orchestrator) onTimeout(ctx context.Context, wireTopic string) {
	o.mu.Lock()
	tc, ok := o.tracked[wireTopic]
	o.mu.Unlock()
	if !ok || tc.cmd.Payload.Status.IsTerminal() {
		return
	}

	cmd := tc.cmd
	cmd.Payload.Status = command.StatusFailed
	cmd.Payload.Reason = "timeout"

	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		slog.Error("orchestrator: failed to marshal timeout payload", "topic", wireTopic, "err", err)
		return
	}
	if _, err := o.Local.PublishRaw(ctx, wireTopic, 1, true, payload); err != nil {
		slog.Error("orchestrator: failed to publish timeout", "topic", wireTopic, "err", err)
		return
	}
	if err := o.OnCommandUpdate(ctx, cmd); err != nil {
		slog.Error("orchestrator: handler failed on timeout", "topic", wireTopic, "err", err)
	}
}

// ExternalID resolves target's cloud-facing external id via the entity
// store, falling back to the schema-default synthetic id if target
// isn't registered (or no EntityResolver is configured).
func (o *Orchestrator) ExternalID(target topic.TopicId, mainDeviceExternalID string) string {
	if o.Entities != nil {
		if e, ok := o.Entities.Get(target); ok && e.ExternalId != "" {
			return e.ExternalId
		}
	}
	return target.ExternalId(mainDeviceExternalID)
}

// PublishTwinFragment publishes a retained digital-twin fragment for
// target, e.g. the `firmware` fragment updated on a successful firmware
// update (spec.md §4.4).
func (o *Orchestrator) PublishTwinFragment(ctx context.Context, target topic.TopicId, fragment string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "marshal twin fragment")
	}
	wireTopic := topic.TopicFor(o.WireRoot, target, topic.Twin(fragment))
	_, err = o.Local.PublishRaw(ctx, wireTopic, 1, true, payload)
	return err
}

// AdvertiseCapability publishes the retained CommandMetadata for
// (target, op) the first time it is seen, suppressing duplicates, per
// spec.md §4.4's "Capability advertisement".
func (o *Orchestrator) AdvertiseCapability(ctx context.Context, target topic.TopicId, op string, types []string) error {
	key := target.Topic() + ":" + op

	o.mu.Lock()
	if o.advertised[key] {
		o.mu.Unlock()
		return nil
	}
	o.advertised[key] = true
	o.mu.Unlock()

	meta := command.Metadata{Types: types}
	payload, err := json.Marshal(meta)
	if err != nil {
		return tedgeerr.Wrap(tedgeerr.KindInvalidCommand, err, "marshal capability metadata")
	}
	wireTopic := topic.TopicFor(o.WireRoot, target, topic.CommandMetadata(op))
	_, err = o.Local.PublishRaw(ctx, wireTopic, 1, true, payload)
	return err
}
