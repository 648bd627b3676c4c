package automation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/database"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/messaging"
	"crm-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		ActionRetryMax:             3,
		ActionRetryBase:            time.Millisecond,
		ActionRetryMaxWait:         4 * time.Millisecond,
		MaxAutomationsPerWorkspace: 100,
		MaxActionsPerAutomation:    20,
	}
}

// recordingSender captures outbound texts and can fail the first N calls.
type recordingSender struct {
	mu        sync.Mutex
	sent      []string
	failFirst int
	failWith  error
}

func (s *recordingSender) SendText(conversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		if s.failWith != nil {
			return s.failWith
		}
		return messaging.ErrUnavailable
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestExecutor(db *gorm.DB, sender messaging.Sender, bus event.Bus) *Executor {
	x := NewExecutor(db, sender, bus, testConfig())
	x.sleep = func(time.Duration) {}
	return x
}

func messageEvent(conversationID string) event.Event {
	evt := event.New(event.TypeMessageReceived, "ws1")
	evt.ConversationID = conversationID
	return evt
}

func TestExecuteSendMessageSuccess(t *testing.T) {
	db := testDB(t)
	sender := &recordingSender{}
	x := newTestExecutor(db, sender, event.NewMemoryBus())

	action := Action{Type: ActionSendMessage, Ordinal: 0, Params: map[string]any{"message": "Hi {{contact.name}}"}}
	ctx := map[string]any{"contact.name": "Ana"}

	out := x.Execute("exec-1", action, ctx, messageEvent("c1"))
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Duplicate)
	assert.Equal(t, []string{"Hi Ana"}, sender.Sent())

	var logs []models.ActionLog
	require.NoError(t, db.Where("execution_id = ?", "exec-1").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)

	var msgs []models.Message
	require.NoError(t, db.Where("direction = ?", "out").Find(&msgs).Error)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi Ana", msgs[0].Content)
}

func TestExecuteReplayIsSuppressed(t *testing.T) {
	db := testDB(t)
	sender := &recordingSender{}
	x := newTestExecutor(db, sender, event.NewMemoryBus())

	action := Action{Type: ActionSendMessage, Ordinal: 0, Params: map[string]any{"message": "once"}}
	evt := messageEvent("c1")

	first := x.Execute("exec-1", action, nil, evt)
	require.Equal(t, OutcomeSuccess, first.Status)

	second := x.Execute("exec-1", action, nil, evt)
	assert.Equal(t, OutcomeSuccess, second.Status)
	assert.True(t, second.Duplicate)

	// Side effect happened exactly once.
	assert.Len(t, sender.Sent(), 1)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	db := testDB(t)
	sender := &recordingSender{failFirst: 2}
	x := newTestExecutor(db, sender, event.NewMemoryBus())

	action := Action{Type: ActionSendMessage, Ordinal: 0, Params: map[string]any{"message": "retry me"}}
	out := x.Execute("exec-1", action, nil, messageEvent("c1"))

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, sender.Sent(), 1)

	var logs []models.ActionLog
	require.NoError(t, db.Where("execution_id = ?", "exec-1").Order("attempt ASC").Find(&logs).Error)
	require.Len(t, logs, 3)
	assert.Equal(t, OutcomeRetry, logs[0].Outcome)
	assert.Equal(t, OutcomeRetry, logs[1].Outcome)
	assert.Equal(t, OutcomeSuccess, logs[2].Outcome)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	db := testDB(t)
	sender := &recordingSender{failFirst: 10}
	x := newTestExecutor(db, sender, event.NewMemoryBus())

	action := Action{Type: ActionSendMessage, Ordinal: 0, Params: map[string]any{"message": "never"}}
	out := x.Execute("exec-1", action, nil, messageEvent("c1"))

	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, sender.Sent())

	var last models.ActionLog
	require.NoError(t, db.Where("execution_id = ?", "exec-1").Order("attempt DESC").First(&last).Error)
	assert.Equal(t, OutcomeFailed, last.Outcome)
	assert.NotEmpty(t, last.Error)
}

func TestExecutePermanentFailureDoesNotRetry(t *testing.T) {
	db := testDB(t)
	sender := &recordingSender{failFirst: 10, failWith: errors.New("recipient opted out")}
	x := newTestExecutor(db, sender, event.NewMemoryBus())

	action := Action{Type: ActionSendMessage, Ordinal: 0, Params: map[string]any{"message": "no"}}
	out := x.Execute("exec-1", action, nil, messageEvent("c1"))

	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecuteWaitRecordsDeferral(t *testing.T) {
	db := testDB(t)
	x := newTestExecutor(db, &recordingSender{}, event.NewMemoryBus())

	action := Action{Type: ActionWait, Ordinal: 0, DelaySeconds: 60}
	out := x.Execute("exec-1", action, nil, messageEvent("c1"))
	assert.Equal(t, OutcomeDeferred, out.Status)
	assert.False(t, out.Duplicate)

	// Replay must not produce a second deferral.
	again := x.Execute("exec-1", action, nil, messageEvent("c1"))
	assert.Equal(t, OutcomeDeferred, again.Status)
	assert.True(t, again.Duplicate)

	var count int64
	db.Model(&models.ActionLog{}).Where("execution_id = ?", "exec-1").Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestExecuteAddTag(t *testing.T) {
	db := testDB(t)
	bus := event.NewMemoryBus()
	x := newTestExecutor(db, &recordingSender{}, bus)

	require.NoError(t, db.Create(&models.Contact{
		WorkspaceID: "ws1", ConversationID: "c1", Name: "Ana", Tags: `["lead"]`,
	}).Error)

	action := Action{Type: ActionAddTag, Ordinal: 0, Params: map[string]any{"tag": "vip"}}
	out := x.Execute("exec-1", action, nil, messageEvent("c1"))
	require.Equal(t, OutcomeSuccess, out.Status)

	var contact models.Contact
	require.NoError(t, db.Where("conversation_id = ?", "c1").First(&contact).Error)
	assert.JSONEq(t, `["lead","vip"]`, contact.Tags)

	// Tagging again is a no-op, still a success.
	out = x.Execute("exec-2", action, nil, messageEvent("c1"))
	require.Equal(t, OutcomeSuccess, out.Status)
	require.NoError(t, db.Where("conversation_id = ?", "c1").First(&contact).Error)
	assert.JSONEq(t, `["lead","vip"]`, contact.Tags)
}

func TestExecuteAddTagWithoutContactIsPermanent(t *testing.T) {
	db := testDB(t)
	x := newTestExecutor(db, &recordingSender{}, event.NewMemoryBus())

	action := Action{Type: ActionAddTag, Ordinal: 0, Params: map[string]any{"tag": "vip"}}
	out := x.Execute("exec-1", action, nil, messageEvent("missing"))
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecuteChangeStagePublishesEvent(t *testing.T) {
	db := testDB(t)
	bus := event.NewMemoryBus()

	var published []event.Event
	var mu sync.Mutex
	require.NoError(t, bus.Subscribe(event.TypeStageChanged, func(evt event.Event) error {
		mu.Lock()
		published = append(published, evt)
		mu.Unlock()
		return nil
	}))

	x := newTestExecutor(db, &recordingSender{}, bus)

	require.NoError(t, db.Create(&models.Order{
		ID: "o1", WorkspaceID: "ws1", ConversationID: "c1", StageID: "new", TotalValue: 5000,
	}).Error)

	evt := messageEvent("c1")
	evt.OrderID = "o1"
	action := Action{Type: ActionChangeStage, Ordinal: 0, Params: map[string]any{"stage_id": "qualified"}}

	out := x.Execute("exec-1", action, nil, evt)
	require.Equal(t, OutcomeSuccess, out.Status)
	bus.Drain()

	var order models.Order
	require.NoError(t, db.Where("id = ?", "o1").First(&order).Error)
	assert.Equal(t, "qualified", order.StageID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	assert.Equal(t, "qualified", published[0].Payload["stage"])
	assert.Equal(t, "new", published[0].Payload["previous_stage"])
}

func TestExecuteCreateTask(t *testing.T) {
	db := testDB(t)
	x := newTestExecutor(db, &recordingSender{}, event.NewMemoryBus())

	require.NoError(t, db.Create(&models.Contact{WorkspaceID: "ws1", ConversationID: "c1", Name: "Ana"}).Error)

	action := Action{Type: ActionCreateTask, Ordinal: 0, Params: map[string]any{
		"title":       "Follow up with {{contact.name}}",
		"description": "high value",
	}}
	out := x.Execute("exec-1", action, map[string]any{"contact.name": "Ana"}, messageEvent("c1"))
	require.Equal(t, OutcomeSuccess, out.Status)

	var task models.Task
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, "Follow up with Ana", task.Title)
	assert.Equal(t, "open", task.Status)
	assert.NotZero(t, task.ContactID)
}
