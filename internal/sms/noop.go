package sms

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// NoopProvider logs nothing and always succeeds. Used in development and
// tests instead of the real carrier.
type NoopProvider struct {
	counter int64

	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage records one Send call for inspection.
type SentMessage struct {
	To   string
	From string
	Body string
}

// NewNoopProvider creates an in-memory provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Send records the message and returns a synthetic provider id.
func (p *NoopProvider) Send(_ context.Context, to, from, body string) (string, error) {
	n := atomic.AddInt64(&p.counter, 1)
	p.mu.Lock()
	p.sent = append(p.sent, SentMessage{To: to, From: from, Body: body})
	p.mu.Unlock()
	return fmt.Sprintf("noop-%d", n), nil
}

// Sent returns a copy of all recorded messages.
func (p *NoopProvider) Sent() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SentMessage, len(p.sent))
	copy(out, p.sent)
	return out
}
