package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRoundTrip(t *testing.T) {
	task := NewTask("t-42", "orchestrator", "design a cache", IntentStartTask, "proposer", EventPlan)
	task.Confidence = Float64(0.8)
	task.ReasoningEffort = EffortHigh
	task.Diagnostics = &Diagnostics{
		WordCount:       3,
		ComplexityScore: 2.0,
		CategoryHits:    map[string]int{"creative": 1},
		Adjustments:     []string{"multi_category"},
	}

	raw, err := Encode(task)
	require.NoError(t, err)

	got, err := DecodeTask(raw)
	require.NoError(t, err)

	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, task.Agent, got.Agent)
	assert.Equal(t, task.Content, got.Content)
	assert.Equal(t, task.Intent, got.Intent)
	assert.Equal(t, task.TargetAgent, got.TargetAgent)
	assert.Equal(t, task.Event, got.Event)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
	assert.Equal(t, EffortHigh, got.ReasoningEffort)
	require.NotNil(t, got.Diagnostics)
	assert.Equal(t, task.Diagnostics.CategoryHits, got.Diagnostics.CategoryHits)
	assert.True(t, task.Timestamp.Equal(got.Timestamp))
}

func TestOptionalFieldsOmittedWhenUnset(t *testing.T) {
	task := NewTask("t1", "a", "x", IntentChat, "b", EventPlan)
	raw, err := Encode(task)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "confidence")
	assert.NotContains(t, string(raw), "reasoning_effort")
	assert.NotContains(t, string(raw), "diagnostics")
	assert.NotContains(t, string(raw), "outcome")
}

func TestDecodeToleratesTimestampOffsets(t *testing.T) {
	zulu := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"chat","timestamp":"2026-03-01T10:00:00Z"}`)
	offset := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"chat","timestamp":"2026-03-01T10:00:00+00:00"}`)

	m1, err := DecodeMessage(zulu)
	require.NoError(t, err)
	m2, err := DecodeMessage(offset)
	require.NoError(t, err)

	assert.True(t, m1.Timestamp.Equal(m2.Timestamp))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Unix(), m1.Timestamp.Unix())
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"chat","timestamp":"2026-03-01T10:00:00Z","shard":"eu-1","trace":{"span":"abc"}}`)
	m, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "t1", m.TaskID)
}

func TestDecodeMalformedReturnsParseError(t *testing.T) {
	_, err := DecodeTask([]byte(`{"task_id": `))
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, VariantTask, perr.Variant)
	assert.NotEmpty(t, perr.Raw)
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Variant
	}{
		{"message", `{"task_id":"t1","agent":"a","content":"x","intent":"chat"}`, VariantMessage},
		{"task by target", `{"task_id":"t1","target_agent":"b"}`, VariantTask},
		{"task by event", `{"task_id":"t1","event":"plan"}`, VariantTask},
		{"result", `{"task_id":"t1","event":"complete","outcome":"completed"}`, VariantTaskResult},
		{"stream", `{"task_id":"t1","agent":"a","event":"stream_update","delta":"tok"}`, VariantStream},
		{"final result stream", `{"task_id":"t1","agent":"a","event":"final_result"}`, VariantStream},
		{"invalid", `[1,2,3]`, VariantInvalid},
		{"garbage", `{{{`, VariantInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff([]byte(tt.raw)))
		})
	}
}

func TestDecodeDispatchesOnVariant(t *testing.T) {
	raw := []byte(`{"task_id":"t1","agent":"refiner","content":"done","intent":"modify_task","timestamp":"2026-03-01T10:00:00Z","target_agent":"orchestrator","event":"complete","outcome":"completed","contributing_agents":["proposer","refiner"]}`)

	v, variant, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, VariantTaskResult, variant)

	r, ok := v.(*TaskResult)
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, r.Outcome)
	assert.Equal(t, []string{"proposer", "refiner"}, r.ContributingAgents)
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "proposer_channel", AgentChannel("proposer"))
	assert.Equal(t, "proposer_heartbeat", HeartbeatKey("proposer"))

	name, ok := AgentFromChannel("critic_channel")
	require.True(t, ok)
	assert.Equal(t, "critic", name)

	_, ok = AgentFromChannel("frontend_broadcast")
	assert.False(t, ok)

	name, ok = AgentFromHeartbeatKey("critic_heartbeat")
	require.True(t, ok)
	assert.Equal(t, "critic", name)

	_, ok = AgentFromHeartbeatKey("_heartbeat")
	assert.False(t, ok)
}

func TestContentDigest(t *testing.T) {
	a := ContentDigest("Use a  Bloom filter\nfor the cache")
	b := ContentDigest("use a bloom filter for the cache")
	c := ContentDigest("use a cuckoo filter for the cache")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
