// Package orchestrator decides whether, when, and how queued outbound
// messages become SMS. Producers enqueue structured payloads; the
// orchestrator applies budget, window, and relevance gates before rendering
// and dispatching.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	"github.com/courierd/courierd/internal/events/bus"
	eventlog "github.com/courierd/courierd/internal/events/log"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/orchestrator/budget"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	"github.com/courierd/courierd/internal/orchestrator/scheduler"
	usermodels "github.com/courierd/courierd/internal/user/models"
	userstore "github.com/courierd/courierd/internal/user/store"

	"github.com/jmoiron/sqlx"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("orchestrator is already running")
	ErrServiceNotRunning     = errors.New("orchestrator is not running")
	ErrEmptyPayload          = errors.New("message payload type is required")
	ErrInvalidPriority       = errors.New("invalid message priority")
)

// Verdict outcomes from the relevance classifier.
const (
	VerdictRelevant   = "RELEVANT"
	VerdictStale      = "STALE"
	VerdictContextual = "CONTEXTUAL"
)

// Verdict is the relevance classifier's judgement of a queued payload
// against current conversation state.
type Verdict struct {
	Outcome           string
	Reasoning         string
	ShouldReformulate bool
}

// Renderer converts a structured payload into SMS prose.
type Renderer interface {
	Render(ctx context.Context, payload queue.Payload, user *usermodels.User, recent []*msgmodels.Message, contextNote string) (string, error)
}

// RelevanceClassifier judges whether a payload is still worth sending given
// the conversation since it was enqueued.
type RelevanceClassifier interface {
	Classify(ctx context.Context, payload queue.Payload, recent []*msgmodels.Message, elapsed time.Duration) (*Verdict, error)
}

// Reformulator is the producer-side hook invoked when a stale payload should
// be restated rather than dropped. Returning nil payload declines.
type Reformulator interface {
	Reformulate(ctx context.Context, stale *queue.QueuedMessage, reasoning string) (*queue.Payload, error)
}

// EnqueueRequest is a producer's message submission.
type EnqueueRequest struct {
	UserID               string
	ProducerID           string
	Payload              queue.Payload
	Priority             queue.Priority
	CanDelay             bool
	RequiresFreshContext bool
	ScheduledFor         *time.Time
	IdempotencyKey       string
}

// Config holds orchestrator tuning.
type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	QuietHoursStart   int
	QuietHoursEnd     int
	ActiveWindow      time.Duration
	RecentMessages    int
	RenderMaxRetries  int
	RenderRetryDelay  time.Duration
	DispatchMaxTries  int
	LLMTimeout        time.Duration
	MaxRenderedLength int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Minute,
		BatchSize:         50,
		QuietHoursStart:   22,
		QuietHoursEnd:     8,
		ActiveWindow:      10 * time.Minute,
		RecentMessages:    20,
		RenderMaxRetries:  3,
		RenderRetryDelay:  time.Minute,
		DispatchMaxTries:  3,
		LLMTimeout:        30 * time.Second,
		MaxRenderedLength: 1600,
	}
}

// Service is the message orchestrator.
type Service struct {
	writer *sqlx.DB

	queue    *queue.SQLStore
	budgets  *budget.SQLStore
	messages msgstore.Store
	users    userstore.Store
	eventLog *eventlog.Store
	bus      bus.EventBus

	renderer     Renderer
	classifier   RelevanceClassifier
	reformulator Reformulator

	logger *logger.Logger
	config Config

	// Per-user advisory locks for the send pipeline.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	nowFn func() time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates an orchestrator. Renderer, classifier, and reformulator
// may be nil; the corresponding gates then degrade gracefully.
func NewService(
	writer *sqlx.DB,
	q *queue.SQLStore,
	budgets *budget.SQLStore,
	messages msgstore.Store,
	users userstore.Store,
	eventLog *eventlog.Store,
	eventBus bus.EventBus,
	renderer Renderer,
	classifier RelevanceClassifier,
	reformulator Reformulator,
	log *logger.Logger,
	config Config,
) *Service {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ActiveWindow <= 0 {
		config.ActiveWindow = DefaultConfig().ActiveWindow
	}
	if config.RecentMessages <= 0 {
		config.RecentMessages = DefaultConfig().RecentMessages
	}
	if config.RenderMaxRetries <= 0 {
		config.RenderMaxRetries = DefaultConfig().RenderMaxRetries
	}
	if config.RenderRetryDelay <= 0 {
		config.RenderRetryDelay = DefaultConfig().RenderRetryDelay
	}
	if config.DispatchMaxTries <= 0 {
		config.DispatchMaxTries = DefaultConfig().DispatchMaxTries
	}
	if config.LLMTimeout <= 0 {
		config.LLMTimeout = DefaultConfig().LLMTimeout
	}
	if config.MaxRenderedLength <= 0 {
		config.MaxRenderedLength = DefaultConfig().MaxRenderedLength
	}
	return &Service{
		writer:       writer,
		queue:        q,
		budgets:      budgets,
		messages:     messages,
		users:        users,
		eventLog:     eventLog,
		bus:          eventBus,
		renderer:     renderer,
		classifier:   classifier,
		reformulator: reformulator,
		logger:       log.WithFields(zap.String("component", "orchestrator")),
		config:       config,
		locks:        make(map[string]*sync.Mutex),
		nowFn:        time.Now,
	}
}

// Start begins the periodic process-due loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("orchestrator starting",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop stops the loop, draining at the current poll boundary.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("orchestrator stopped")
	return nil
}

// IsRunning returns true if the orchestrator loop is active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProcessDue(ctx); err != nil {
				s.logger.Error("process due failed", zap.Error(err))
			}
		}
	}
}

// Enqueue accepts a producer message request and persists a queued row. It
// validates the user and payload, never blocks on rendering or delivery, and
// returns the queue row id.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Payload.Type == "" {
		return "", ErrEmptyPayload
	}
	if req.Priority == "" {
		req.Priority = queue.PriorityMedium
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPriority, req.Priority)
	}
	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		return "", fmt.Errorf("user validation failed: %w", err)
	}

	msg := &queue.QueuedMessage{
		UserID:               req.UserID,
		ProducerID:           req.ProducerID,
		Payload:              req.Payload,
		Priority:             req.Priority,
		Status:               queue.StatusQueued,
		CanDelay:             req.CanDelay,
		RequiresFreshContext: req.RequiresFreshContext,
		IdempotencyKey:       req.IdempotencyKey,
	}
	if req.ScheduledFor != nil {
		msg.ScheduledFor = req.ScheduledFor.UTC()
	}

	inserted, err := s.queue.Insert(ctx, msg)
	if err != nil {
		return "", err
	}
	if inserted.ID != msg.ID {
		// Idempotency key matched an existing row.
		s.logger.Debug("enqueue deduplicated by idempotency key",
			zap.String("queued_id", inserted.ID),
			zap.String("user_id", req.UserID))
		return inserted.ID, nil
	}

	s.appendEvent(ctx, events.MessageEnqueued, inserted.UserID, map[string]interface{}{
		"queued_id":   inserted.ID,
		"producer_id": inserted.ProducerID,
		"priority":    string(inserted.Priority),
	})

	observability.MessagesEnqueued.WithLabelValues(string(inserted.Priority)).Inc()
	s.logger.Info("message enqueued",
		zap.String("queued_id", inserted.ID),
		zap.String("user_id", inserted.UserID),
		zap.String("producer_id", inserted.ProducerID),
		zap.String("priority", string(inserted.Priority)))
	return inserted.ID, nil
}

// IsUserActive reports whether the user sent an inbound message within the
// active window.
func (s *Service) IsUserActive(ctx context.Context, userID string) (bool, error) {
	last, err := s.messages.LastInboundAt(ctx, userID)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return s.nowFn().UTC().Sub(last) <= s.config.ActiveWindow, nil
}

// Supersede transitions a queued row to superseded and emits the
// corresponding domain event. Fails when the row is no longer queued.
func (s *Service) Supersede(ctx context.Context, id, reason, replacementID string) error {
	if err := s.queue.Supersede(ctx, id, reason, replacementID); err != nil {
		return err
	}
	msg, err := s.queue.Get(ctx, id)
	if err == nil {
		s.emitSuperseded(ctx, msg, reason, replacementID)
	}
	observability.MessagesSuperseded.WithLabelValues(reason).Inc()
	s.logger.Info("message superseded",
		zap.String("queued_id", id),
		zap.String("reason", reason))
	return nil
}

// Cancel withdraws a queued message on behalf of its producer. Fails when
// the row already left the queued state.
func (s *Service) Cancel(ctx context.Context, id string) error {
	msg, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}

	lock := s.lockFor(msg.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.queue.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.WithUserID(msg.UserID).Info("queued message cancelled",
		zap.String("queued_id", id),
		zap.String("producer_id", msg.ProducerID))
	return nil
}

// ProcessDue drains one batch of due queued messages through the send
// pipeline, ordered by priority rank, scheduled time, then creation time.
// Re-entry is a no-op for rows that already reached a terminal state.
func (s *Service) ProcessDue(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.PollDuration.WithLabelValues("orchestrator").Observe(time.Since(start).Seconds())
	}()

	due, err := s.queue.ListDue(ctx, s.nowFn().UTC(), s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due messages: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	batch := queue.NewMessageQueue(0)
	for _, msg := range due {
		if err := batch.Push(msg); err != nil {
			s.logger.Warn("failed to order due message",
				zap.String("queued_id", msg.ID), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg := batch.Pop()
		if msg == nil {
			return nil
		}
		s.runPipeline(ctx, msg)
	}
}

// lockFor returns the advisory lock for a user, creating it on first use.
func (s *Service) lockFor(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// runPipeline executes the ordered gates for one queued message under the
// user's advisory lock. The first gate that fails reschedules or cancels
// without rendering.
func (s *Service) runPipeline(ctx context.Context, msg *queue.QueuedMessage) {
	lock := s.lockFor(msg.UserID)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.WithMessageID(msg.ID).WithUserID(msg.UserID)

	// Gate 1: staleness. Re-fetch under the lock; a concurrent supersede or
	// send wins.
	current, err := s.queue.Get(ctx, msg.ID)
	if err != nil {
		log.Error("failed to reload queued message", zap.Error(err))
		return
	}
	if current.Status != queue.StatusQueued {
		log.Debug("skipping non-queued message", zap.String("status", string(current.Status)))
		return
	}
	msg = current

	user, err := s.users.GetUser(ctx, msg.UserID)
	if err != nil {
		log.Error("failed to load user", zap.Error(err))
		return
	}
	loc := user.Location()
	now := s.nowFn().UTC()
	localNow := now.In(loc)
	urgent := msg.Priority == queue.PriorityUrgent

	// Gate 2: daily budget. Urgent does not bypass this one.
	b, err := s.budgets.GetOrCreate(ctx, msg.UserID, localNow)
	if err != nil {
		log.Error("failed to load budget", zap.Error(err))
		return
	}
	if b.MessagesSent >= b.DailyLimit {
		next := scheduler.NextLocalDayAt(localNow, 8).UTC()
		s.reschedule(ctx, msg, next, "daily_budget", log)
		return
	}

	active, err := s.IsUserActive(ctx, msg.UserID)
	if err != nil {
		log.Warn("failed to check user activity", zap.Error(err))
		active = false
	}

	// Gate 3: hourly budget over a rolling hour. Urgent bypasses; recent
	// inbound activity also lifts it.
	if !urgent {
		count, oldest, err := s.messages.CountOutboundSince(ctx, msg.UserID, now.Add(-time.Hour))
		if err != nil {
			log.Error("failed to count recent outbound messages", zap.Error(err))
			return
		}
		if count >= b.HourlyLimit && !active {
			next := oldest.Add(time.Hour + time.Minute)
			s.reschedule(ctx, msg, next, "hourly_budget", log)
			return
		}
	}

	// Gate 4: quiet hours, lifted by activity or urgency.
	quietStart, quietEnd := s.quietWindow(user)
	if !urgent && b.QuietHoursEnabled &&
		scheduler.InQuietHours(localNow, quietStart, quietEnd) && !active {
		earliest := scheduler.NextQuietEnd(localNow, quietEnd)
		next := scheduler.OptimalSendTime(earliest, user.ResponsePattern, quietStart, quietEnd).UTC()
		s.reschedule(ctx, msg, next, "quiet_hours", log)
		return
	}

	// Gate 6: relevance, only when the producer asked for fresh context.
	contextNote := msg.Metadata.ContextNote
	var recent []*msgmodels.Message
	if msg.RequiresFreshContext || msg.RenderedText == "" {
		recent, err = s.messages.RecentMessages(ctx, msg.UserID, s.config.RecentMessages)
		if err != nil {
			log.Warn("failed to load recent messages", zap.Error(err))
		}
	}
	if msg.RequiresFreshContext && s.classifier != nil {
		verdict := s.classify(ctx, msg, recent, log)
		switch verdict.Outcome {
		case VerdictStale:
			s.handleStale(ctx, msg, verdict, log)
			return
		case VerdictContextual:
			contextNote = verdict.Reasoning
		}
	}

	// Gate 7: render.
	if msg.RenderedText == "" {
		rendered, err := s.render(ctx, msg, user, recent, contextNote)
		if err != nil {
			s.handleRenderFailure(ctx, msg, err, log)
			return
		}
		rendered = truncateOnRune(rendered, s.config.MaxRenderedLength)
		if err := s.queue.SetRenderedText(ctx, msg.ID, rendered); err != nil {
			log.Error("failed to persist rendered text", zap.Error(err))
			return
		}
		msg.RenderedText = rendered
	}

	// Gates 8+9: dispatch and commit, atomically with the budget increment.
	s.dispatch(ctx, msg, localNow, log)
}

// truncateOnRune caps s at max bytes without splitting a UTF-8 sequence.
func truncateOnRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// quietWindow returns the user's quiet hours, falling back to the
// configured defaults when the user has none set.
func (s *Service) quietWindow(user *usermodels.User) (int, int) {
	if user.QuietHoursStart == 0 && user.QuietHoursEnd == 0 {
		return s.config.QuietHoursStart, s.config.QuietHoursEnd
	}
	return user.QuietHoursStart, user.QuietHoursEnd
}

func (s *Service) reschedule(ctx context.Context, msg *queue.QueuedMessage, next time.Time, gate string, log *logger.Logger) {
	if err := s.queue.Reschedule(ctx, msg, next, gate); err != nil {
		log.Error("failed to reschedule message",
			zap.String("gate", gate), zap.Error(err))
		return
	}
	observability.PipelineReschedules.WithLabelValues(gate).Inc()
	log.Info("message rescheduled",
		zap.String("gate", gate),
		zap.Time("next_attempt", next))
}

// classify invokes the relevance classifier with a hard timeout. Fail-open:
// any error or timeout is treated as RELEVANT.
func (s *Service) classify(ctx context.Context, msg *queue.QueuedMessage, recent []*msgmodels.Message, log *logger.Logger) *Verdict {
	cctx, cancel := context.WithTimeout(ctx, s.config.LLMTimeout)
	defer cancel()

	elapsed := s.nowFn().UTC().Sub(msg.CreatedAt)
	verdict, err := s.classifier.Classify(cctx, msg.Payload, recent, elapsed)
	if err != nil {
		log.Warn("relevance check failed, proceeding as relevant", zap.Error(err))
		return &Verdict{Outcome: VerdictRelevant}
	}
	log.Debug("relevance verdict",
		zap.String("outcome", verdict.Outcome),
		zap.String("reasoning", verdict.Reasoning))
	return verdict
}

func (s *Service) handleStale(ctx context.Context, msg *queue.QueuedMessage, verdict *Verdict, log *logger.Logger) {
	replacementID := ""
	if verdict.ShouldReformulate && s.reformulator != nil {
		replacementID = s.requeueReformulated(ctx, msg, verdict.Reasoning, log)
	}
	if err := s.queue.Supersede(ctx, msg.ID, "stale", replacementID); err != nil {
		log.Error("failed to supersede stale message", zap.Error(err))
		return
	}
	s.emitSuperseded(ctx, msg, "stale", replacementID)
	observability.MessagesSuperseded.WithLabelValues("stale").Inc()
	log.Info("message superseded as stale",
		zap.String("replacement_id", replacementID))
}

// requeueReformulated asks the producer-side reformulator for a fresh
// payload and enqueues it pointing back at the original. All gates run
// afresh on the replacement.
func (s *Service) requeueReformulated(ctx context.Context, msg *queue.QueuedMessage, reasoning string, log *logger.Logger) string {
	payload, err := s.reformulator.Reformulate(ctx, msg, reasoning)
	if err != nil {
		log.Warn("reformulation failed", zap.Error(err))
		return ""
	}
	if payload == nil {
		return ""
	}
	replacement := &queue.QueuedMessage{
		UserID:               msg.UserID,
		ProducerID:           msg.ProducerID,
		Payload:              *payload,
		Priority:             msg.Priority,
		Status:               queue.StatusQueued,
		CanDelay:             msg.CanDelay,
		RequiresFreshContext: msg.RequiresFreshContext,
		SupersedesOf:         msg.ID,
	}
	inserted, err := s.queue.Insert(ctx, replacement)
	if err != nil {
		log.Warn("failed to enqueue reformulated message", zap.Error(err))
		return ""
	}
	return inserted.ID
}

func (s *Service) render(ctx context.Context, msg *queue.QueuedMessage, user *usermodels.User, recent []*msgmodels.Message, contextNote string) (string, error) {
	if s.renderer == nil {
		return "", errors.New("no renderer configured")
	}
	rctx, cancel := context.WithTimeout(ctx, s.config.LLMTimeout)
	defer cancel()
	return s.renderer.Render(rctx, msg.Payload, user, recent, contextNote)
}

func (s *Service) handleRenderFailure(ctx context.Context, msg *queue.QueuedMessage, renderErr error, log *logger.Logger) {
	msg.Metadata.RenderRetryCount++
	log.Warn("render failed",
		zap.Int("render_retry_count", msg.Metadata.RenderRetryCount),
		zap.Error(renderErr))

	if msg.Metadata.RenderRetryCount >= s.config.RenderMaxRetries {
		if err := s.queue.MarkFailed(ctx, msg.ID, "render failed"); err != nil {
			log.Error("failed to mark message failed", zap.Error(err))
			return
		}
		s.appendEvent(ctx, events.MessageFailed, msg.UserID, map[string]interface{}{
			"queued_id": msg.ID,
			"reason":    "render failed",
			"error":     renderErr.Error(),
		})
		log.Error("message failed after render retries")
		return
	}

	next := s.nowFn().UTC().Add(s.config.RenderRetryDelay)
	if err := s.queue.Reschedule(ctx, msg, next, "render_retry"); err != nil {
		log.Error("failed to reschedule after render failure", zap.Error(err))
	}
}

// dispatch writes the outbound message row, flips the queue row to sent, and
// increments the budget in one transaction. The message store flips the row
// to queued_for_send inside the transaction; the realtime notification for
// the SMS sender goes out only after commit.
func (s *Service) dispatch(ctx context.Context, msg *queue.QueuedMessage, localNow time.Time, log *logger.Logger) {
	conv, err := s.messages.EnsureConversation(ctx, msg.UserID)
	if err != nil {
		log.Error("failed to ensure conversation", zap.Error(err))
		return
	}

	var outbound *msgmodels.Message
	var lastErr error
	for attempt := 0; attempt < s.config.DispatchMaxTries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		outbound, lastErr = s.dispatchOnce(ctx, msg, conv.ID, localNow)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, queue.ErrNotQueued) {
			// Lost to a concurrent pipeline run; nothing to do.
			return
		}
		log.Warn("dispatch attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	if lastErr != nil {
		if err := s.queue.MarkFailed(ctx, msg.ID, "dispatch failed"); err != nil {
			log.Error("failed to mark message failed", zap.Error(err))
		}
		s.appendEvent(ctx, events.MessageFailed, msg.UserID, map[string]interface{}{
			"queued_id": msg.ID,
			"reason":    "dispatch failed",
			"error":     lastErr.Error(),
		})
		log.Error("message failed after dispatch retries", zap.Error(lastErr))
		return
	}

	s.publishQueuedForSend(ctx, outbound)
	s.appendEvent(ctx, events.MessageSent, msg.UserID, map[string]interface{}{
		"queued_id":  msg.ID,
		"message_id": outbound.ID,
		"priority":   string(msg.Priority),
	})
	observability.MessagesSent.WithLabelValues(string(msg.Priority)).Inc()
	log.Info("message dispatched",
		zap.String("message_id", outbound.ID),
		zap.String("priority", string(msg.Priority)))
}

func (s *Service) dispatchOnce(ctx context.Context, msg *queue.QueuedMessage, conversationID string, localNow time.Time) (*msgmodels.Message, error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	outbound := &msgmodels.Message{
		ConversationID: conversationID,
		UserID:         msg.UserID,
		Content:        msg.RenderedText,
	}
	if err := s.messages.InsertOutboundTx(ctx, tx, outbound); err != nil {
		return nil, fmt.Errorf("failed to insert outbound message: %w", err)
	}
	if err := s.queue.MarkSentTx(ctx, tx, msg.ID, outbound.ID); err != nil {
		return nil, err
	}
	if err := s.budgets.IncrementTx(ctx, tx, msg.UserID, localNow); err != nil {
		return nil, fmt.Errorf("failed to increment budget: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return outbound, nil
}

// publishQueuedForSend notifies the SMS sender over the realtime bus. Best
// effort; the dispatcher also sweeps queued_for_send rows on startup.
func (s *Service) publishQueuedForSend(ctx context.Context, outbound *msgmodels.Message) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.MessageQueuedForSend, "orchestrator", map[string]interface{}{
		"message_id": outbound.ID,
		"user_id":    outbound.UserID,
	})
	if err := s.bus.Publish(ctx, events.BuildQueuedForSendSubject(outbound.ID), event); err != nil {
		s.logger.Warn("failed to publish queued_for_send notification",
			zap.String("message_id", outbound.ID), zap.Error(err))
	}
}

func (s *Service) emitSuperseded(ctx context.Context, msg *queue.QueuedMessage, reason, replacementID string) {
	s.appendEvent(ctx, events.MessageSuperseded, msg.UserID, map[string]interface{}{
		"queued_id":      msg.ID,
		"reason":         reason,
		"replacement_id": replacementID,
	})
}

// appendEvent writes a domain event to the durable log. Event emission is
// best effort and never fails the pipeline.
func (s *Service) appendEvent(ctx context.Context, eventType, userID string, payload map[string]interface{}) {
	if s.eventLog == nil {
		return
	}
	err := s.eventLog.Append(ctx, &eventlog.Event{
		EventType:     eventType,
		AggregateID:   userID,
		AggregateType: "user",
		Payload:       payload,
		CreatedBy:     "orchestrator",
	})
	if err != nil {
		s.logger.Warn("failed to append domain event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
