// Package sms abstracts the SMS carrier behind a provider interface.
package sms

import "context"

// Provider sends a single SMS and returns the carrier's message id.
type Provider interface {
	Send(ctx context.Context, to, from, body string) (providerID string, err error)
}
