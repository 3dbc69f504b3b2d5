package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
)

func TestParseClassifyResponse(t *testing.T) {
	t.Run("fenced json", func(t *testing.T) {
		raw := "```json\n{\"verdict\": \"STALE\", \"reasoning\": \"user already booked\", \"should_reformulate\": true}\n```"
		v, err := parseClassifyResponse(raw)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.VerdictStale, v.Outcome)
		assert.Equal(t, "user already booked", v.Reasoning)
		assert.True(t, v.ShouldReformulate)
	})

	t.Run("bare json", func(t *testing.T) {
		v, err := parseClassifyResponse(`{"verdict": "contextual", "reasoning": "topic moved on"}`)
		require.NoError(t, err)
		assert.Equal(t, orchestrator.VerdictContextual, v.Outcome)
		assert.False(t, v.ShouldReformulate)
	})

	t.Run("bare verdict word fallback", func(t *testing.T) {
		v, err := parseClassifyResponse("The message is RELEVANT.")
		require.NoError(t, err)
		assert.Equal(t, orchestrator.VerdictRelevant, v.Outcome)
	})

	t.Run("stale wins over relevant in fallback scan", func(t *testing.T) {
		v, err := parseClassifyResponse("No longer RELEVANT, this is STALE now.")
		require.NoError(t, err)
		assert.Equal(t, orchestrator.VerdictStale, v.Outcome)
	})

	t.Run("unknown verdict", func(t *testing.T) {
		_, err := parseClassifyResponse(`{"verdict": "MAYBE"}`)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseClassifyResponse("I cannot help with that.")
		assert.Error(t, err)
	})
}

func TestBuildClassifyPrompt(t *testing.T) {
	payload := queue.Payload{Type: "followup", Topic: "moving-day"}
	prompt := buildClassifyPrompt(payload, nil, 45*time.Minute)

	assert.Contains(t, prompt, "45 minutes ago")
	assert.Contains(t, prompt, "moving-day")
	assert.Contains(t, prompt, "RELEVANT")
	assert.Contains(t, prompt, "STALE")
	assert.Contains(t, prompt, "CONTEXTUAL")
}

func TestBuildReformulatePrompt(t *testing.T) {
	stale := &queue.QueuedMessage{
		Payload: queue.Payload{Type: "followup", Topic: "moving-day"},
	}
	prompt := buildReformulatePrompt(stale, "user already hired movers")

	assert.Contains(t, prompt, "moving-day")
	assert.Contains(t, prompt, "user already hired movers")
	assert.Contains(t, prompt, "worthwhile")
}
