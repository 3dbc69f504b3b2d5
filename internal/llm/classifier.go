package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
)

// Classifier judges whether a queued payload is still relevant to the
// conversation. It implements orchestrator.RelevanceClassifier.
type Classifier struct {
	client *Client
}

// NewClassifier creates a classifier on an existing client.
func NewClassifier(client *Client) *Classifier {
	return &Classifier{client: client}
}

type classifyResponse struct {
	Verdict           string `json:"verdict"`
	Reasoning         string `json:"reasoning"`
	ShouldReformulate bool   `json:"should_reformulate"`
}

// Classify returns the tri-valued relevance verdict for a payload. Errors
// propagate to the caller, which fails open.
func (c *Classifier) Classify(ctx context.Context, payload queue.Payload, recent []*msgmodels.Message, elapsed time.Duration) (*orchestrator.Verdict, error) {
	prompt := buildClassifyPrompt(payload, recent, elapsed)
	raw, err := c.client.generate(ctx, prompt)
	if err != nil {
		observability.LLMCalls.WithLabelValues("relevance", "error").Inc()
		return nil, err
	}
	observability.LLMCalls.WithLabelValues("relevance", "success").Inc()
	return parseClassifyResponse(raw)
}

func buildClassifyPrompt(payload queue.Payload, recent []*msgmodels.Message, elapsed time.Duration) string {
	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		payloadJSON = []byte(fmt.Sprintf("%+v", payload))
	}

	var sb strings.Builder
	sb.WriteString("You decide whether a queued SMS is still worth sending ")
	sb.WriteString("given the conversation since it was requested.\n\n")
	sb.WriteString(fmt.Sprintf("The message was requested %.0f minutes ago.\n\n", elapsed.Minutes()))
	sb.WriteString("## Queued message request\n\n")
	sb.Write(payloadJSON)
	sb.WriteString("\n\n## Conversation since then\n\n")
	sb.WriteString(formatTranscript(recent))
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("Pick exactly one verdict:\n")
	sb.WriteString("- RELEVANT: still appropriate to send as-is.\n")
	sb.WriteString("- STALE: the conversation has made this message pointless or wrong.\n")
	sb.WriteString("- CONTEXTUAL: still useful, but the topic has shifted and the message should acknowledge it.\n\n")
	sb.WriteString("Respond with a JSON object:\n")
	sb.WriteString("```json\n")
	sb.WriteString(`{"verdict": "RELEVANT|STALE|CONTEXTUAL", "reasoning": "one sentence", "should_reformulate": true/false}`)
	sb.WriteString("\n```\n")
	sb.WriteString("Only output the JSON, no other text.")
	return sb.String()
}

func parseClassifyResponse(raw string) (*orchestrator.Verdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp classifyResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		// Fall back to scanning for a bare verdict word.
		upper := strings.ToUpper(cleaned)
		switch {
		case strings.Contains(upper, orchestrator.VerdictStale):
			return &orchestrator.Verdict{Outcome: orchestrator.VerdictStale}, nil
		case strings.Contains(upper, orchestrator.VerdictContextual):
			return &orchestrator.Verdict{Outcome: orchestrator.VerdictContextual}, nil
		case strings.Contains(upper, orchestrator.VerdictRelevant):
			return &orchestrator.Verdict{Outcome: orchestrator.VerdictRelevant}, nil
		}
		return nil, fmt.Errorf("llm: unparseable relevance response: %w", err)
	}

	verdict := strings.ToUpper(strings.TrimSpace(resp.Verdict))
	switch verdict {
	case orchestrator.VerdictRelevant, orchestrator.VerdictStale, orchestrator.VerdictContextual:
	default:
		return nil, fmt.Errorf("llm: unknown relevance verdict %q", resp.Verdict)
	}
	return &orchestrator.Verdict{
		Outcome:           verdict,
		Reasoning:         resp.Reasoning,
		ShouldReformulate: resp.ShouldReformulate,
	}, nil
}
