package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/orchestrator/queue"
)

// Reformulator restates a stale payload so it fits the conversation that made
// the original pointless. It implements orchestrator.Reformulator.
type Reformulator struct {
	client *Client
}

// NewReformulator creates a reformulator on an existing client.
func NewReformulator(client *Client) *Reformulator {
	return &Reformulator{client: client}
}

type reformulateResponse struct {
	Worthwhile bool                   `json:"worthwhile"`
	Type       string                 `json:"type"`
	Topic      string                 `json:"topic"`
	Data       map[string]interface{} `json:"data"`
}

// Reformulate returns a replacement payload for a superseded message, or nil
// when nothing is worth re-sending.
func (r *Reformulator) Reformulate(ctx context.Context, stale *queue.QueuedMessage, reasoning string) (*queue.Payload, error) {
	prompt := buildReformulatePrompt(stale, reasoning)
	raw, err := r.client.generate(ctx, prompt)
	if err != nil {
		observability.LLMCalls.WithLabelValues("reformulate", "error").Inc()
		return nil, err
	}
	observability.LLMCalls.WithLabelValues("reformulate", "success").Inc()

	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp reformulateResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("llm: unparseable reformulation response: %w", err)
	}
	if !resp.Worthwhile {
		return nil, nil
	}
	if resp.Type == "" {
		resp.Type = stale.Payload.Type
	}
	if resp.Topic == "" {
		resp.Topic = stale.Payload.Topic
	}
	return &queue.Payload{Type: resp.Type, Topic: resp.Topic, Data: resp.Data}, nil
}

func buildReformulatePrompt(stale *queue.QueuedMessage, reasoning string) string {
	payloadJSON, err := json.MarshalIndent(stale.Payload, "", "  ")
	if err != nil {
		payloadJSON = []byte(fmt.Sprintf("%+v", stale.Payload))
	}

	var sb strings.Builder
	sb.WriteString("A queued SMS request became stale before it was sent. ")
	sb.WriteString("Decide whether any part of it is still worth delivering, ")
	sb.WriteString("and if so restate it as a new message request.\n\n")
	sb.WriteString("## Original request\n\n")
	sb.Write(payloadJSON)
	sb.WriteString("\n\n## Why it went stale\n\n")
	sb.WriteString(reasoning)
	sb.WriteString("\n\n## Instructions\n\n")
	sb.WriteString("Respond with a JSON object:\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"worthwhile": true/false, "type": "...", "topic": "...", "data": {...}}`)
	sb.WriteString("\n```\n")
	sb.WriteString("Set worthwhile to false when the request should simply be dropped. ")
	sb.WriteString("Only output the JSON, no other text.")
	return sb.String()
}
