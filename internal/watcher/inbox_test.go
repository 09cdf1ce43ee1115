package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/domain/invoice"
	"github.com/garyjia/invoice-orchestrator/internal/domain/lifecycle"
	"github.com/garyjia/invoice-orchestrator/internal/port"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
	"github.com/garyjia/invoice-orchestrator/pkg/database"
)

type inboxFixture struct {
	watcher  *InboxWatcher
	invoices *repository.InvoiceRepository
	cursors  *repository.CursorRepository
	queue    *queue.Queue
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()

	db, err := database.New(database.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrator(db, zap.NewNop()).RunMigrations("../../migrations"))

	logger := zap.NewNop()
	f := &inboxFixture{
		invoices: repository.NewInvoiceRepository(db.DB, logger),
		cursors:  repository.NewCursorRepository(db.DB, logger),
		queue:    queue.New(16),
	}
	f.watcher = NewInboxWatcher(nil, f.invoices, f.cursors, f.queue, time.Minute, logger)
	return f
}

func (f *inboxFixture) createAwaitingInfo(t *testing.T, id, threadID string) {
	t.Helper()
	inv := invoice.New(id, "msg-0", threadID, "billing@acme.example", time.Now().UTC())
	inv.State = lifecycle.StateAwaitingInfo
	inv.MissingFields = []string{"currency", "payment_details"}
	require.NoError(t, f.invoices.Create(context.Background(), nil, inv))
}

func replyMessage(id, threadID, body string) port.InboxMessage {
	return port.InboxMessage{
		MessageID: id,
		ThreadID:  threadID,
		Sender:    "billing@acme.example",
		Body:      body,
	}
}

func TestHandleChatterReplyEmitsNoEvent(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	f.createAwaitingInfo(t, "inv-1", "thread-9")

	var wg sync.WaitGroup
	msg := replyMessage("msg-1", "thread-9", "thanks, will check and get back to you")
	require.NoError(t, f.watcher.handle(ctx, msg, &wg))

	// No recognizable field: the wait keeps its original deadline and
	// reminder count instead of being restarted by small talk.
	select {
	case env := <-f.queue.C():
		t.Fatalf("chatter produced event %s", env.Event.Kind)
	default:
	}

	processed, err := f.cursors.IsProcessed(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, processed, "chatter message must still be consumed")
}

func TestHandleFieldReplyEmitsValidationInfo(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()
	f.createAwaitingInfo(t, "inv-1", "thread-9")

	var wg sync.WaitGroup
	msg := replyMessage("msg-2", "thread-9", "currency: EUR\niban: DE89370400440532013000")
	require.NoError(t, f.watcher.handle(ctx, msg, &wg))

	var env queue.Envelope
	select {
	case env = <-f.queue.C():
	default:
		t.Fatal("field-bearing reply produced no event")
	}
	assert.Equal(t, event.KindValidationInfoReceived, env.Event.Kind)
	assert.Equal(t, "inv-1", env.Event.InvoiceID)

	payload, ok := env.Event.Payload.(*event.ValidationInfoReceived)
	require.True(t, ok, "payload type %T", env.Event.Payload)
	assert.Equal(t, "EUR", payload.Fields.Currency)
	assert.Equal(t, "DE89370400440532013000", payload.Fields.PaymentDetails)

	// The message is marked processed only once the event is acked.
	processed, err := f.cursors.IsProcessed(ctx, "msg-2")
	require.NoError(t, err)
	assert.False(t, processed)

	env.Ack()
	wg.Wait()

	processed, err = f.cursors.IsProcessed(ctx, "msg-2")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestHandleReplyOutsideAwaitingInfoIsDropped(t *testing.T) {
	f := newInboxFixture(t)
	ctx := context.Background()

	inv := invoice.New("inv-2", "msg-0", "thread-7", "billing@acme.example", time.Now().UTC())
	inv.State = lifecycle.StateAwaitingApproval
	require.NoError(t, f.invoices.Create(ctx, nil, inv))

	var wg sync.WaitGroup
	msg := replyMessage("msg-3", "thread-7", "currency: EUR")
	require.NoError(t, f.watcher.handle(ctx, msg, &wg))

	select {
	case env := <-f.queue.C():
		t.Fatalf("reply outside the info wait produced event %s", env.Event.Kind)
	default:
	}

	processed, err := f.cursors.IsProcessed(ctx, "msg-3")
	require.NoError(t, err)
	assert.True(t, processed)
}
