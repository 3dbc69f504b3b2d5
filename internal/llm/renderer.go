package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	usermodels "github.com/courierd/courierd/internal/user/models"
)

const maxSMSLength = 1600

// Renderer converts structured payloads into SMS prose with the chat model.
// It implements orchestrator.Renderer.
type Renderer struct {
	client *Client
}

// NewRenderer creates a renderer on an existing client.
func NewRenderer(client *Client) *Renderer {
	return &Renderer{client: client}
}

// Render produces the outbound SMS text for a payload. The result is capped
// at 1600 characters.
func (r *Renderer) Render(ctx context.Context, payload queue.Payload, user *usermodels.User, recent []*msgmodels.Message, contextNote string) (string, error) {
	prompt := buildRenderPrompt(payload, user, recent, contextNote)
	text, err := r.client.generate(ctx, prompt)
	if err != nil {
		observability.LLMCalls.WithLabelValues("render", "error").Inc()
		return "", err
	}
	observability.LLMCalls.WithLabelValues("render", "success").Inc()
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("llm: empty render result")
	}
	if len(text) > maxSMSLength {
		// Cut on a rune boundary; a split UTF-8 sequence is garbage on the wire.
		cut := maxSMSLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text, nil
}

func buildRenderPrompt(payload queue.Payload, user *usermodels.User, recent []*msgmodels.Message, contextNote string) string {
	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		payloadJSON = []byte(fmt.Sprintf("%+v", payload))
	}

	var sb strings.Builder
	sb.WriteString("You write SMS messages on behalf of a personal assistant. ")
	sb.WriteString("Convert the structured message request below into a single SMS.\n\n")
	sb.WriteString("## Message request\n\n")
	sb.Write(payloadJSON)
	sb.WriteString("\n\n## Recent conversation\n\n")
	sb.WriteString(formatTranscript(recent))
	if contextNote != "" {
		sb.WriteString("\n## Context shift\n\n")
		sb.WriteString("The conversation has moved on since this was requested: ")
		sb.WriteString(contextNote)
		sb.WriteString("\nOpen with a short acknowledgement of the shift before the main content.\n")
	}
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("Write in a warm, concise, conversational tone matching the recent conversation. ")
	sb.WriteString("Maximum 1600 characters. No markdown, no signature. ")
	sb.WriteString("Output only the SMS text, nothing else.")
	return sb.String()
}
