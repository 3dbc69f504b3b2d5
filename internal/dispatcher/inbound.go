package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	eventlog "github.com/courierd/courierd/internal/events/log"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	userstore "github.com/courierd/courierd/internal/user/store"
)

// InboundSMS is the provider webhook payload.
type InboundSMS struct {
	MessageSid string `json:"MessageSid" form:"MessageSid"`
	From       string `json:"From" form:"From"`
	To         string `json:"To" form:"To"`
	Body       string `json:"Body" form:"Body"`
	SmsStatus  string `json:"SmsStatus" form:"SmsStatus"`
}

// Inbound turns provider webhooks into message rows and domain events.
type Inbound struct {
	messages msgstore.Store
	users    userstore.Store
	eventLog *eventlog.Store
	logger   *logger.Logger
}

// NewInbound creates an inbound webhook handler.
func NewInbound(messages msgstore.Store, users userstore.Store, el *eventlog.Store, log *logger.Logger) *Inbound {
	return &Inbound{
		messages: messages,
		users:    users,
		eventLog: el,
		logger:   log.WithFields(zap.String("component", "sms-inbound")),
	}
}

// deliveryStatuses are callback-only statuses carrying no user content.
var deliveryStatuses = map[string]msgmodels.Status{
	"delivered":   msgmodels.StatusDelivered,
	"undelivered": msgmodels.StatusFailed,
	"failed":      msgmodels.StatusFailed,
}

// Process handles one webhook post. Status callbacks update the outbound
// message row; user replies become inbound rows plus a user.message_received
// event for the event processor.
func (i *Inbound) Process(ctx context.Context, payload InboundSMS) error {
	status := strings.ToLower(payload.SmsStatus)
	if mapped, ok := deliveryStatuses[status]; ok && payload.Body == "" {
		return i.processStatusCallback(ctx, payload, mapped)
	}
	return i.processReply(ctx, payload)
}

func (i *Inbound) processStatusCallback(ctx context.Context, payload InboundSMS, status msgmodels.Status) error {
	// Status callbacks reference outbound messages by provider sid; the
	// recipient identifies the user.
	user, err := i.users.GetUserByPhone(ctx, payload.To)
	if err != nil {
		return fmt.Errorf("status callback for unknown recipient %s: %w", payload.To, err)
	}

	outbound, err := i.messages.GetByProviderMessageID(ctx, payload.MessageSid)
	if err != nil || outbound.Direction != msgmodels.DirectionOutbound {
		i.logger.WithUserID(user.ID).Warn("status callback for unknown message",
			zap.String("provider_message_id", payload.MessageSid),
			zap.String("sms_status", payload.SmsStatus))
		return nil
	}

	if err := i.messages.UpdateDeliveryState(ctx, outbound.ID, payload.MessageSid, status); err != nil {
		return err
	}
	i.logger.WithUserID(user.ID).WithMessageID(outbound.ID).Info("delivery status updated",
		zap.String("sms_status", payload.SmsStatus))
	return nil
}

func (i *Inbound) processReply(ctx context.Context, payload InboundSMS) error {
	user, err := i.users.GetUserByPhone(ctx, payload.From)
	if err != nil {
		return fmt.Errorf("inbound from unknown number %s: %w", payload.From, err)
	}

	conv, err := i.messages.EnsureConversation(ctx, user.ID)
	if err != nil {
		return err
	}

	msg := &msgmodels.Message{
		ConversationID:    conv.ID,
		UserID:            user.ID,
		Content:           payload.Body,
		ProviderMessageID: payload.MessageSid,
	}
	if err := i.messages.InsertInbound(ctx, msg); err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}

	err = i.eventLog.Append(ctx, &eventlog.Event{
		EventType:     events.UserMessageReceived,
		AggregateID:   user.ID,
		AggregateType: "user",
		Payload: map[string]interface{}{
			"message_id": msg.ID,
			"body":       payload.Body,
		},
		CreatedBy: "sms-inbound",
	})
	if err != nil {
		// The message row is the source of truth; a lost event only delays
		// downstream bookkeeping.
		i.logger.WithUserID(user.ID).Warn("failed to append inbound event", zap.Error(err))
	}

	i.logger.WithUserID(user.ID).WithMessageID(msg.ID).Info("inbound message recorded")
	return nil
}
