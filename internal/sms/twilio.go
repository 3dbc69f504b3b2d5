package sms

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/courierd/courierd/internal/common/config"
)

// TwilioProvider sends SMS through the Twilio REST API.
type TwilioProvider struct {
	client *twilio.RestClient
}

// NewTwilioProvider creates a provider from configuration.
func NewTwilioProvider(cfg config.SMSConfig) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{client: client}
}

// Send delivers one SMS and returns the Twilio message sid.
func (p *TwilioProvider) Send(ctx context.Context, to, from, body string) (string, error) {
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := p.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create message: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio: response missing message sid")
	}
	return *resp.Sid, nil
}
