package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	"github.com/courierd/courierd/internal/events/bus"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/sms"
	usermodels "github.com/courierd/courierd/internal/user/models"
	userstore "github.com/courierd/courierd/internal/user/store"
)

type failingProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *failingProvider) Send(_ context.Context, to, from, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return "", p.err
}

type senderEnv struct {
	db       *sqlx.DB
	bus      bus.EventBus
	messages msgstore.Store
	users    userstore.Store
	provider *sms.NoopProvider
	log      *logger.Logger
	user     *usermodels.User
}

func newSenderEnv(t *testing.T) *senderEnv {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "dispatcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	messages, err := msgstore.NewSQLStore(db, db)
	require.NoError(t, err)
	users, err := userstore.NewSQLStore(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	user := &usermodels.User{ID: "user-1", Phone: "+15551230001", Timezone: "UTC"}
	require.NoError(t, users.CreateUser(context.Background(), user))

	return &senderEnv{
		db:       db,
		bus:      bus.NewMemoryEventBus(log),
		messages: messages,
		users:    users,
		provider: sms.NewNoopProvider(),
		log:      log,
		user:     user,
	}
}

func (e *senderEnv) newSender(provider sms.Provider, cfg SenderConfig) *Sender {
	if cfg.FromNumber == "" {
		cfg.FromNumber = "+15550009999"
	}
	return NewSender(e.bus, e.messages, e.users, provider, e.log, cfg)
}

// insertQueued writes an outbound row in queued_for_send, the state the
// orchestrator leaves messages in for the sender.
func (e *senderEnv) insertQueued(t *testing.T, content string) *msgmodels.Message {
	ctx := context.Background()
	conv, err := e.messages.EnsureConversation(ctx, e.user.ID)
	require.NoError(t, err)

	tx, err := e.db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	msg := &msgmodels.Message{
		ConversationID: conv.ID,
		UserID:         e.user.ID,
		Content:        content,
	}
	require.NoError(t, e.messages.InsertOutboundTx(ctx, tx, msg))
	require.NoError(t, tx.Commit())
	require.Equal(t, msgmodels.StatusQueuedForSend, msg.Status)
	return msg
}

func TestDeliverSuccess(t *testing.T) {
	env := newSenderEnv(t)
	sender := env.newSender(env.provider, SenderConfig{})
	msg := env.insertQueued(t, "time to pack boxes")

	sender.Deliver(context.Background(), msg.ID)

	got, err := env.messages.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msgmodels.StatusSent, got.Status)
	assert.Equal(t, "noop-1", got.ProviderMessageID)

	sent := env.provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, env.user.Phone, sent[0].To)
	assert.Equal(t, "+15550009999", sent[0].From)
	assert.Equal(t, "time to pack boxes", sent[0].Body)
}

func TestDeliverSkipsNonQueued(t *testing.T) {
	env := newSenderEnv(t)
	sender := env.newSender(env.provider, SenderConfig{})
	msg := env.insertQueued(t, "hello")

	require.NoError(t, env.messages.UpdateDeliveryState(
		context.Background(), msg.ID, "sid-1", msgmodels.StatusSent))

	sender.Deliver(context.Background(), msg.ID)
	assert.Empty(t, env.provider.Sent())
}

func TestDeliverProviderFailure(t *testing.T) {
	env := newSenderEnv(t)
	provider := &failingProvider{err: errors.New("carrier unavailable")}
	sender := env.newSender(provider, SenderConfig{MaxRetries: 1})
	msg := env.insertQueued(t, "hello")

	sender.Deliver(context.Background(), msg.ID)

	got, err := env.messages.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msgmodels.StatusFailed, got.Status)
	assert.Equal(t, 1, provider.calls)
}

func TestSweepDeliversBacklog(t *testing.T) {
	env := newSenderEnv(t)
	sender := env.newSender(env.provider, SenderConfig{})
	first := env.insertQueued(t, "first")
	second := env.insertQueued(t, "second")

	sender.Sweep(context.Background())

	for _, id := range []string{first.ID, second.ID} {
		got, err := env.messages.GetMessage(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, msgmodels.StatusSent, got.Status)
	}
	assert.Len(t, env.provider.Sent(), 2)
}

func TestStartDeliversOnNotification(t *testing.T) {
	env := newSenderEnv(t)
	sender := env.newSender(env.provider, SenderConfig{})
	ctx := context.Background()

	require.NoError(t, sender.Start(ctx))
	t.Cleanup(func() { _ = sender.Stop() })
	assert.Equal(t, ErrSenderAlreadyRunning, sender.Start(ctx))

	msg := env.insertQueued(t, "notified")
	require.NoError(t, env.bus.Publish(ctx,
		events.BuildQueuedForSendSubject(msg.ID),
		bus.NewEvent(events.MessageQueuedForSend, "orchestrator",
			map[string]interface{}{"message_id": msg.ID})))

	require.Eventually(t, func() bool {
		got, err := env.messages.GetMessage(ctx, msg.ID)
		return err == nil && got.Status == msgmodels.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Stop())
	assert.Equal(t, ErrSenderNotRunning, sender.Stop())
}
