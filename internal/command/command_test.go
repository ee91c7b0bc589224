package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{
		Status: StatusExecuting,
		Extra: map[string]any{
			"tedgeUrl": "http://127.0.0.1:8000/tedge/file-transfer/foo/config_update/typeA-123",
			"type":     "typeA",
		},
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var got Payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, p.Status, got.Status)
	assert.Equal(t, p.Extra["tedgeUrl"], got.Extra["tedgeUrl"])
	assert.Equal(t, p.Extra["type"], got.Extra["type"])

	data2, err := json.Marshal(got)
	require.NoError(t, err)
	var reparsed map[string]any
	require.NoError(t, json.Unmarshal(data2, &reparsed))
	assert.Equal(t, string(StatusExecuting), reparsed["status"])
}

func TestPayloadWithReason(t *testing.T) {
	p := Payload{Status: StatusFailed, Reason: "timeout"}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"timeout"`)

	var got Payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.Reason)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusSuccessful.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusExecuting.IsTerminal())
	assert.False(t, StatusUnknown.IsTerminal())
}

func TestCommandTopics(t *testing.T) {
	cmd := Command{
		Target: topic.NewMainDevice(),
		Op:     "software_update",
		Id:     "abc-123",
	}
	assert.Equal(t, "te/device/main///cmd/software_update/abc-123", cmd.Topic("te"))
	assert.Equal(t, "te/device/main///cmd/software_update", cmd.MetadataTopic("te"))
}
