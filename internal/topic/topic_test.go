package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicForRoundTrip(t *testing.T) {
	cases := []struct {
		id TopicId
		ch Channel
	}{
		{NewMainDevice(), Measurement("temperature")},
		{NewMainDevice(), Event("login_attempt")},
		{NewMainDevice(), Alarm("high_temp")},
		{NewMainDevice(), Twin("firmware")},
		{NewMainDevice().Service("myapp"), Health()},
		{NewMainDevice(), Command("software_update", "abc-123")},
		{NewMainDevice(), CommandMetadata("software_update")},
		{NewMainDevice().Child("child1"), Measurement("temperature")},
	}

	for _, tc := range cases {
		wire := TopicFor(DefaultWireRoot, tc.id, tc.ch)
		gotID, gotCh, err := EntityChannelOf(DefaultWireRoot, wire)
		require.NoError(t, err, wire)
		assert.Equal(t, tc.id.Topic(), gotID.Topic(), wire)
		assert.Equal(t, tc.ch, gotCh, wire)
		assert.Equal(t, wire, TopicFor(DefaultWireRoot, gotID, gotCh))
	}
}

func TestCanonicalSchema(t *testing.T) {
	main := NewMainDevice()
	assert.Equal(t, "device/main//", main.Topic())
	assert.Equal(t, "te/device/main///m/temperature", TopicFor(DefaultWireRoot, main, Measurement("temperature")))
	assert.Equal(t, "te/device/main/service/myservice/status/health", TopicFor(DefaultWireRoot, main.Service("myservice"), Health()))
}

func TestExternalId(t *testing.T) {
	child := NewMainDevice().Child("child1").Service("collectd")
	assert.Equal(t, "mydevice:child1:service:collectd", child.ExternalId("mydevice"))
}

func TestMatchesWildcard(t *testing.T) {
	assert.True(t, MatchesWildcard("te/device/main/+/+/m/#", "te/device/main///m/temperature"))
	assert.True(t, MatchesWildcard("shadow/#", "shadow/update/accepted"))
	assert.False(t, MatchesWildcard("shadow/#", "other/update/accepted"))
	assert.True(t, MatchesWildcard("te/+/+/+/+/cmd/+", "te/device/main///cmd/restart"))
}

func TestLess(t *testing.T) {
	a := NewMainDevice().Child("a")
	b := NewMainDevice().Child("b")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}
