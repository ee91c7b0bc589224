package flows

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thin-edge/tedge-mapper-core/internal/series"
)

func newTestStore(t *testing.T) *series.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "series.db")
	store, err := series.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFlowMatchesWildcardSubscription(t *testing.T) {
	f := &Flow{Name: "f1", InputSubscriptions: []string{"te/device/main///m/+"}}
	assert.True(t, f.Matches("te/device/main///m/temperature"))
	assert.False(t, f.Matches("te/device/main///e/start"))
}

func TestSkipHealthDropsHealthMessages(t *testing.T) {
	s := SkipHealth{}
	out, err := s.OnMessage(nil, Message{Topic: "te/device/main///status/health", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = s.OnMessage(nil, Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

type stubContext struct {
	now time.Time
}

func (c stubContext) Now() time.Time { return c.now }
func (stubContext) Store(string, series.Timestamp, json.RawMessage) error { return nil }
func (stubContext) DrainOlderThan(string, series.Timestamp) ([]series.Record, error) { return nil, nil }
func (stubContext) QueryAll(string) ([]series.Record, error) { return nil, nil }

func TestAddTimestampInjectsCurrentTimeWhenAbsent(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := AddTimestamp{Property: "time", Format: FormatUnixSeconds}

	out, err := step.OnMessage(stubContext{now: now}, Message{Payload: []byte(`{"temperature": 21}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out[0].Payload, &body))
	assert.Equal(t, float64(now.Unix()), body["time"])
}

func TestAddTimestampReformatsExisting(t *testing.T) {
	step := AddTimestamp{Property: "time", Format: FormatRFC3339, Reformat: true}

	out, err := step.OnMessage(stubContext{}, Message{Payload: []byte(`{"time": 1780000000}`)})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out[0].Payload, &body))
	assert.Equal(t, time.Unix(1780000000, 0).UTC().Format(time.RFC3339), body["time"])
}

func TestAddTimestampKeepsCurrentTimeWhenReformatFalse(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	step := AddTimestamp{Property: "time", Format: FormatUnixSeconds, Reformat: false}

	out, err := step.OnMessage(stubContext{now: now}, Message{Payload: []byte(`{"time": "stale"}`)})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out[0].Payload, &body))
	assert.Equal(t, float64(now.Unix()), body["time"])
}

func TestLimitPayloadDropsOversizedMessage(t *testing.T) {
	step := LimitPayload{MaxBytes: 4}
	out, err := step.OnMessage(nil, Message{Payload: []byte(`{"a":1}`)})
	assert.Error(t, err)
	assert.Nil(t, out)

	out, err = step.OnMessage(nil, Message{Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestSetCloudTopicRewritesTopic(t *testing.T) {
	step := SetCloudTopic{TargetTopic: "c8y/s/us"}
	out, err := step.OnMessage(nil, Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "c8y/s/us", out[0].Topic)
}

func TestFlowRunChainsStepsInOrder(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	f := &Flow{
		Name:               "normalize",
		InputSubscriptions: []string{"te/device/main///m/+"},
		Steps: []Step{
			SkipHealth{},
			AddTimestamp{Property: "time", Format: FormatUnixSeconds},
			SetCloudTopic{TargetTopic: "c8y/measurement/measurements/create"},
		},
	}

	ctx := &flowContext{flowName: f.Name, store: newTestStore(t), now: fixedNow(now)}
	out, err := f.Run(ctx, Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{"temperature": 21.5}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c8y/measurement/measurements/create", out[0].Topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out[0].Payload, &body))
	assert.Equal(t, float64(now.Unix()), body["time"])
}

func TestFlowRunStopsWhenStepConsumesMessage(t *testing.T) {
	f := &Flow{
		Name: "drop-health",
		Steps: []Step{
			SkipHealth{},
			AddTimestamp{Property: "time", Format: FormatUnixSeconds},
		},
	}
	ctx := &flowContext{flowName: f.Name, store: newTestStore(t), now: fixedNow(time.Now())}
	out, err := f.Run(ctx, Message{Topic: "te/device/main///status/health", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEngineDispatchRunsMatchingFlowsIndependently(t *testing.T) {
	e := New(newTestStore(t), fixedNow(time.Now()))
	e.Register(&Flow{
		Name:               "f1",
		InputSubscriptions: []string{"te/device/main///m/+"},
		Steps:              []Step{SetCloudTopic{TargetTopic: "out/f1"}},
	})
	e.Register(&Flow{
		Name:               "f2",
		InputSubscriptions: []string{"te/device/main///m/+"},
		Steps:              []Step{SetCloudTopic{TargetTopic: "out/f2"}},
	})

	out := e.Dispatch(Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{}`)})
	require.Len(t, out, 2)

	topics := map[string]bool{}
	for _, m := range out {
		topics[m.Topic] = true
	}
	assert.True(t, topics["out/f1"])
	assert.True(t, topics["out/f2"])
}

func TestEngineDispatchRoutesStepErrorToErrorTopic(t *testing.T) {
	e := New(newTestStore(t), fixedNow(time.Now()))
	e.Register(&Flow{
		Name:               "limiter",
		InputSubscriptions: []string{"te/device/main///m/+"},
		Steps:              []Step{LimitPayload{MaxBytes: 1}},
		ErrorTopic:         "te/device/main///e/flow-error",
	})

	out := e.Dispatch(Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{"a":1}`)})
	require.Len(t, out, 1)
	assert.Equal(t, "te/device/main///e/flow-error", out[0].Topic)
}

func TestEngineUnregisterStopsDispatching(t *testing.T) {
	e := New(newTestStore(t), fixedNow(time.Now()))
	e.Register(&Flow{Name: "f1", InputSubscriptions: []string{"te/device/main///m/+"}, Steps: []Step{SetCloudTopic{TargetTopic: "out/f1"}}})
	e.Unregister("f1")

	out := e.Dispatch(Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{}`)})
	assert.Empty(t, out)
}

func TestFlowContextNamespacesSeriesByFlowName(t *testing.T) {
	store := newTestStore(t)
	ctxA := &flowContext{flowName: "flowA", store: store, now: fixedNow(time.Now())}
	ctxB := &flowContext{flowName: "flowB", store: store, now: fixedNow(time.Now())}

	ts := series.Timestamp{Seconds: 1}
	require.NoError(t, ctxA.Store("pending", ts, json.RawMessage(`{"v":1}`)))

	recordsA, err := ctxA.QueryAll("pending")
	require.NoError(t, err)
	assert.Len(t, recordsA, 1)

	recordsB, err := ctxB.QueryAll("pending")
	require.NoError(t, err)
	assert.Empty(t, recordsB)
}

func TestScriptStepTransformsPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "double.js")
	require.NoError(t, os.WriteFile(path, []byte(`
function onMessage(message) {
	message.payload.temperature = message.payload.temperature * 2;
	return message;
}
`), 0644))

	step, err := LoadScriptStep(path)
	require.NoError(t, err)

	out, err := step.OnMessage(stubContext{}, Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{"temperature": 10}`)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out[0].Payload, &body))
	assert.Equal(t, float64(20), body["temperature"])
}

func TestScriptStepReturningNullConsumesMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop.js")
	require.NoError(t, os.WriteFile(path, []byte(`function onMessage(message) { return null; }`), 0644))

	step, err := LoadScriptStep(path)
	require.NoError(t, err)

	out, err := step.OnMessage(stubContext{}, Message{Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScriptStepReturningArrayFansOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "split.js")
	require.NoError(t, os.WriteFile(path, []byte(`
function onMessage(message) {
	return [
		{topic: message.topic + "/a", payload: message.payload},
		{topic: message.topic + "/b", payload: message.payload},
	];
}
`), 0644))

	step, err := LoadScriptStep(path)
	require.NoError(t, err)

	out, err := step.OnMessage(stubContext{}, Message{Topic: "te/device/main///m/temperature", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "te/device/main///m/temperature/a", out[0].Topic)
	assert.Equal(t, "te/device/main///m/temperature/b", out[1].Topic)
}
