// Package dispatcher is the thin SMS boundary. The sender reacts to
// queued_for_send notifications and calls the carrier; the inbound handler
// turns webhook posts into message rows and domain events.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	"github.com/courierd/courierd/internal/events/bus"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/sms"
	userstore "github.com/courierd/courierd/internal/user/store"
)

// Common errors
var (
	ErrSenderAlreadyRunning = errors.New("sms sender is already running")
	ErrSenderNotRunning     = errors.New("sms sender is not running")
)

// SenderConfig holds sender tuning.
type SenderConfig struct {
	FromNumber  string
	SendTimeout time.Duration
	MaxRetries  int
	SweepLimit  int
}

// DefaultSenderConfig returns default configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		SendTimeout: 30 * time.Second,
		MaxRetries:  3,
		SweepLimit:  100,
	}
}

// Sender subscribes to queued_for_send notifications and delivers messages
// through the SMS provider.
type Sender struct {
	bus      bus.EventBus
	messages msgstore.Store
	users    userstore.Store
	provider sms.Provider
	logger   *logger.Logger
	config   SenderConfig

	sub bus.Subscription

	mu      sync.Mutex
	running bool
}

// NewSender creates an SMS sender.
func NewSender(
	eventBus bus.EventBus,
	messages msgstore.Store,
	users userstore.Store,
	provider sms.Provider,
	log *logger.Logger,
	config SenderConfig,
) *Sender {
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSenderConfig().SendTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultSenderConfig().MaxRetries
	}
	if config.SweepLimit <= 0 {
		config.SweepLimit = DefaultSenderConfig().SweepLimit
	}
	return &Sender{
		bus:      eventBus,
		messages: messages,
		users:    users,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "sms-sender")),
		config:   config,
	}
}

// Start subscribes to dispatch notifications and sweeps rows that became
// ready while no sender was listening.
func (s *Sender) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSenderAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	sub, err := s.bus.QueueSubscribe(events.BuildQueuedForSendWildcardSubject(),
		"sms-sender", func(ctx context.Context, event *bus.Event) error {
			messageID, _ := event.Data["message_id"].(string)
			if messageID == "" {
				s.logger.Warn("dispatch notification missing message_id",
					zap.String("event_id", event.ID))
				return nil
			}
			s.Deliver(ctx, messageID)
			return nil
		})
	if err != nil {
		return err
	}
	s.sub = sub

	s.logger.Info("sms sender started")
	s.Sweep(ctx)
	return nil
}

// Stop unsubscribes from dispatch notifications.
func (s *Sender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrSenderNotRunning
	}
	s.running = false
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	s.logger.Info("sms sender stopped")
	return nil
}

// Sweep delivers any queued_for_send rows missed while offline. Deliveries
// run concurrently; a bound of four keeps the provider rate limiter happy.
func (s *Sender) Sweep(ctx context.Context) {
	pending, err := s.messages.ListByStatus(ctx, msgmodels.StatusQueuedForSend, s.config.SweepLimit)
	if err != nil {
		s.logger.Error("failed to sweep queued messages", zap.Error(err))
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, msg := range pending {
		id := msg.ID
		g.Go(func() error {
			s.Deliver(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Deliver sends one message through the provider with retry, then records
// the resulting status on the message row.
func (s *Sender) Deliver(ctx context.Context, messageID string) {
	log := s.logger.WithMessageID(messageID)

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		log.Error("failed to load message", zap.Error(err))
		return
	}
	if msg.Status != msgmodels.StatusQueuedForSend {
		log.Debug("skipping message not queued for send",
			zap.String("status", string(msg.Status)))
		return
	}

	user, err := s.users.GetUser(ctx, msg.UserID)
	if err != nil {
		log.Error("failed to load user for delivery", zap.Error(err))
		return
	}

	var providerID string
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		providerID, lastErr = s.sendOnce(ctx, user.Phone, msg.Content)
		if lastErr == nil {
			break
		}
		log.Warn("sms send attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	if lastErr != nil {
		observability.SMSDeliveries.WithLabelValues("failed").Inc()
		if err := s.messages.UpdateDeliveryState(ctx, msg.ID, "", msgmodels.StatusFailed); err != nil {
			log.Error("failed to record delivery failure", zap.Error(err))
		}
		log.Error("message delivery failed", zap.Error(lastErr))
		return
	}

	if err := s.messages.UpdateDeliveryState(ctx, msg.ID, providerID, msgmodels.StatusSent); err != nil {
		log.Error("failed to record delivery", zap.Error(err))
		return
	}
	observability.SMSDeliveries.WithLabelValues("sent").Inc()
	log.Info("message delivered to carrier",
		zap.String("provider_message_id", providerID))
}

func (s *Sender) sendOnce(ctx context.Context, to, body string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()
	return s.provider.Send(sctx, to, s.config.FromNumber, body)
}
