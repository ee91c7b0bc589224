package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/tedge-mapper-core/internal/command"
	"github.com/thin-edge/tedge-mapper-core/internal/entitystore"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// fakePublisher records every publish, matching bridge_test.go's shape.
type fakePublisher struct {
	mu        sync.Mutex
	published []fakeMsg
}

type fakeMsg struct {
	Topic   string
	Qos     byte
	Retain  bool
	Payload []byte
}

func (f *fakePublisher) PublishRaw(_ context.Context, t string, qos byte, retain bool, payload []byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakeMsg{Topic: t, Qos: qos, Retain: retain, Payload: payload})
	return uint16(len(f.published)), nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakePublisher) last() fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

// fakeScheduler never fires on its own; the test calls fire() to
// simulate the timeout elapsing, and tracks whether cancel was called.
type fakeScheduler struct {
	mu        sync.Mutex
	fn        func()
	cancelled bool
}

func (s *fakeScheduler) Schedule(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	}
}

func (s *fakeScheduler) fire() {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeScheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func testTarget() topic.TopicId {
	return topic.TopicId{Root: topic.RootDevice, Device: topic.MainDeviceId}
}

func newTestCommand(op string) command.Command {
	return command.Command{
		Target:  testTarget(),
		Op:      op,
		Id:      "cmd1",
		Payload: command.Payload{Status: command.StatusInit, Extra: map[string]any{}},
	}
}

func TestCreatePublishesRetainedInit(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	cmd := newTestCommand("restart")
	require.NoError(t, o.Create(context.Background(), cmd, time.Minute))

	require.Equal(t, 1, local.count())
	msg := local.last()
	assert.True(t, msg.Retain)
	assert.Equal(t, byte(1), msg.Qos)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "init", payload["status"])
}

func TestTimeoutTransitionsToFailed(t *testing.T) {
	local := &fakePublisher{}
	sched := &fakeScheduler{}
	o := New(local, "te", sched)

	cmd := newTestCommand("restart")
	require.NoError(t, o.Create(context.Background(), cmd, time.Minute))

	sched.fire()

	require.Equal(t, 2, local.count())
	msg := local.last()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "failed", payload["status"])
	assert.Equal(t, "timeout", payload["reason"])
}

func TestTimeoutDoesNotFireAfterTerminal(t *testing.T) {
	local := &fakePublisher{}
	sched := &fakeScheduler{}
	o := New(local, "te", sched)

	cmd := newTestCommand("restart")
	require.NoError(t, o.Create(context.Background(), cmd, time.Minute))

	cmd.Payload.Status = command.StatusSuccessful
	require.NoError(t, o.OnCommandUpdate(context.Background(), cmd))
	assert.True(t, sched.isCancelled())

	countBeforeFire := local.count()
	sched.fire()
	assert.Equal(t, countBeforeFire, local.count())
}

func TestOnCommandUpdateInvokesHandlerOnlyOnTerminal(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	var calls int
	h := handlerFunc(func(ctx context.Context, cmd command.Command) error {
		calls++
		return nil
	})
	o.RegisterHandler("restart", h)

	cmd := newTestCommand("restart")
	require.NoError(t, o.Create(context.Background(), cmd, 0))

	cmd.Payload.Status = command.StatusExecuting
	require.NoError(t, o.OnCommandUpdate(context.Background(), cmd))
	assert.Equal(t, 0, calls)

	cmd.Payload.Status = command.StatusSuccessful
	require.NoError(t, o.OnCommandUpdate(context.Background(), cmd))
	assert.Equal(t, 1, calls)
}

type handlerFunc func(ctx context.Context, cmd command.Command) error

func (f handlerFunc) OnTerminal(ctx context.Context, cmd command.Command) error { return f(ctx, cmd) }

func TestTransitionPublishesAndDrivesHandler(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	var gotStatus command.Status
	o.RegisterHandler("restart", handlerFunc(func(_ context.Context, cmd command.Command) error {
		gotStatus = cmd.Payload.Status
		return nil
	}))

	cmd := newTestCommand("restart")
	require.NoError(t, o.Create(context.Background(), cmd, 0))

	_, err := o.Transition(context.Background(), cmd, command.StatusSuccessful, "")
	require.NoError(t, err)
	assert.Equal(t, command.StatusSuccessful, gotStatus)
}

func TestAdvertiseCapabilityDedups(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	target := testTarget()
	require.NoError(t, o.AdvertiseCapability(context.Background(), target, "restart", nil))
	require.NoError(t, o.AdvertiseCapability(context.Background(), target, "restart", nil))

	assert.Equal(t, 1, local.count())
}

func TestPublishTwinFragment(t *testing.T) {
	local := &fakePublisher{}
	o := New(local, "te", &fakeScheduler{})

	require.NoError(t, o.PublishTwinFragment(context.Background(), testTarget(), "firmware", map[string]any{"name": "v1"}))
	require.Equal(t, 1, local.count())
	assert.Contains(t, local.last().Topic, "te/device/main///twin/firmware")
}

// fakeEntities is a minimal EntityResolver for ExternalID tests.
type fakeEntities struct {
	entities map[string]entitystore.Entity
}

func (f *fakeEntities) Get(id topic.TopicId) (entitystore.Entity, bool) {
	e, ok := f.entities[id.Topic()]
	return e, ok
}

func TestExternalIDPrefersEntityStore(t *testing.T) {
	target := topic.TopicId{Root: topic.RootDevice, Device: "child1"}
	resolver := &fakeEntities{entities: map[string]entitystore.Entity{
		target.Topic(): {TopicId: target, ExternalId: "cloud-child-1"},
	}}
	o := New(&fakePublisher{}, "te", &fakeScheduler{})
	o.Entities = resolver

	assert.Equal(t, "cloud-child-1", o.ExternalID(target, "main-device"))
}

func TestExternalIDFallsBackToSynthetic(t *testing.T) {
	target := topic.TopicId{Root: topic.RootDevice, Device: "child1"}
	o := New(&fakePublisher{}, "te", &fakeScheduler{})
	o.Entities = &fakeEntities{entities: map[string]entitystore.Entity{}}

	assert.Equal(t, target.ExternalId("main-device"), o.ExternalID(target, "main-device"))
}
