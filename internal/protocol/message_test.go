package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownEnumLiteralsDecodeToUnknown(t *testing.T) {
	t.Run("intent", func(t *testing.T) {
		var m Message
		raw := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"summon","timestamp":"2026-01-02T03:04:05Z"}`)
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, IntentUnknown, m.Intent)
		assert.False(t, m.Intent.Known())
	})

	t.Run("event", func(t *testing.T) {
		var task Task
		raw := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"chat","timestamp":"2026-01-02T03:04:05Z","target_agent":"b","event":"reticulate"}`)
		require.NoError(t, json.Unmarshal(raw, &task))
		assert.Equal(t, EventUnknown, task.Event)
	})

	t.Run("outcome", func(t *testing.T) {
		var r TaskResult
		raw := []byte(`{"task_id":"t1","agent":"a","content":"x","intent":"modify_task","timestamp":"2026-01-02T03:04:05Z","target_agent":"b","event":"complete","outcome":"vanished","contributing_agents":["a"]}`)
		require.NoError(t, json.Unmarshal(raw, &r))
		assert.Equal(t, OutcomeUnknown, r.Outcome)
	})

	t.Run("stream event names stay intact", func(t *testing.T) {
		var task Task
		raw := []byte(`{"task_id":"t1","agent":"a","content":"","intent":"chat","timestamp":"2026-01-02T03:04:05Z","event":"stream_update"}`)
		require.NoError(t, json.Unmarshal(raw, &task))
		assert.Equal(t, Event("stream_update"), task.Event)
	})
}

func TestEffortRank(t *testing.T) {
	assert.Less(t, EffortLow.Rank(), EffortMedium.Rank())
	assert.Less(t, EffortMedium.Rank(), EffortHigh.Rank())
	assert.Equal(t, -1, Effort("extreme").Rank())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, EventComplete.Terminal())
	assert.True(t, EventEscalate.Terminal())
	assert.False(t, EventPlan.Terminal())
	assert.False(t, EventRefine.Terminal())
}

func TestMessageValidate(t *testing.T) {
	m := NewMessage("t1", "moderator", "hello", IntentChat)
	assert.Empty(t, m.Validate())

	empty := Message{}
	errs := empty.Validate()
	require.Len(t, errs, 5)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"task_id", "agent", "content", "intent", "timestamp"} {
		assert.True(t, fields[want], "missing error for %s", want)
	}
}

func TestTaskValidate(t *testing.T) {
	task := NewTask("t1", "orchestrator", "plan this", IntentStartTask, "proposer", EventPlan)
	assert.Empty(t, task.Validate())

	task.Confidence = Float64(1.7)
	errs := task.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "confidence", errs[0].Field)

	task.Confidence = nil
	task.TargetAgent = ""
	task.Event = EventUnknown
	errs = task.Validate()
	require.Len(t, errs, 2)
}

func TestTaskResultValidate(t *testing.T) {
	task := NewTask("t1", "refiner", "done", IntentModifyTask, "orchestrator", EventComplete)
	r := TaskResult{Task: task, Outcome: OutcomeCompleted, ContributingAgents: []string{"proposer", "critic", "refiner"}}
	assert.Empty(t, r.Validate())

	r.Intent = IntentChat
	r.ContributingAgents = nil
	errs := r.Validate()
	require.Len(t, errs, 2)
}

func TestReplySwapsSenderAndTarget(t *testing.T) {
	task := NewTask("t1", "orchestrator", "plan this", IntentStartTask, "proposer", EventPlan)
	reply := task.Reply("proposer", "here is a plan", EventPlan)

	assert.Equal(t, "t1", reply.TaskID)
	assert.Equal(t, "proposer", reply.Agent)
	assert.Equal(t, "orchestrator", reply.TargetAgent)
	assert.Equal(t, IntentModifyTask, reply.Intent)
	assert.False(t, reply.Timestamp.Before(task.Timestamp))
}
