package timer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"crm-orchestrator/internal/database"
	"crm-orchestrator/internal/keylock"
	"crm-orchestrator/internal/models"

	"github.com/google/uuid"
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

func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, chan models.TimerHandle) {
	t.Helper()
	fired := make(chan models.TimerHandle, 8)
	e := NewEngine(db, keylock.New(), func(h models.TimerHandle) error {
		fired <- h
		return nil
	})
	t.Cleanup(e.Stop)
	return e, fired
}

func TestScheduleKeepsOnePendingPerConversation(t *testing.T) {
	db := testDB(t)
	e, _ := newTestEngine(t, db)

	first, err := e.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(time.Hour))
	require.NoError(t, err)
	second, err := e.Schedule("ws1", "c1", models.PhaseOfferingPack, time.Now().Add(time.Hour))
	require.NoError(t, err)

	var pending []models.TimerHandle
	require.NoError(t, db.Where("conversation_id = ? AND status = ?", "c1", models.TimerPending).Find(&pending).Error)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	var old models.TimerHandle
	require.NoError(t, db.Where("id = ?", first.ID).First(&old).Error)
	assert.Equal(t, models.TimerCancelled, old.Status)
}

func TestScheduleIsolatesConversations(t *testing.T) {
	db := testDB(t)
	e, _ := newTestEngine(t, db)

	_, err := e.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = e.Schedule("ws1", "c2", models.PhaseCollectingData, time.Now().Add(time.Hour))
	require.NoError(t, err)

	handles, err := e.Pending("ws1")
	require.NoError(t, err)
	assert.Len(t, handles, 2)
}

func TestFireInvokesCallbackOnce(t *testing.T) {
	db := testDB(t)
	e, fired := newTestEngine(t, db)

	handle, err := e.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	select {
	case h := <-fired:
		assert.Equal(t, handle.ID, h.ID)
		assert.Equal(t, models.PhaseCollectingData, h.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	var row models.TimerHandle
	require.NoError(t, db.Where("id = ?", handle.ID).First(&row).Error)
	assert.Equal(t, models.TimerFired, row.Status)

	// Cancelling after the fire loses the race and reports it.
	assert.False(t, e.Cancel(handle.ID))

	select {
	case <-fired:
		t.Fatal("timer fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelPreventsFire(t *testing.T) {
	db := testDB(t)
	e, fired := newTestEngine(t, db)

	handle, err := e.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	assert.True(t, e.Cancel(handle.ID))
	// A second cancel finds nothing pending.
	assert.False(t, e.Cancel(handle.ID))

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}

	var row models.TimerHandle
	require.NoError(t, db.Where("id = ?", handle.ID).First(&row).Error)
	assert.Equal(t, models.TimerCancelled, row.Status)
}

func TestReloadRearmsPersistedHandles(t *testing.T) {
	db := testDB(t)

	// A handle left behind by a previous process, already past its deadline.
	stale := models.TimerHandle{
		ID:             uuid.NewString(),
		WorkspaceID:    "ws1",
		ConversationID: "c1",
		Phase:          models.PhaseOfferingPack,
		Deadline:       time.Now().Add(-time.Minute).UTC(),
		Status:         models.TimerPending,
	}
	require.NoError(t, db.Create(&stale).Error)

	e, fired := newTestEngine(t, db)
	require.NoError(t, e.Reload())

	select {
	case h := <-fired:
		assert.Equal(t, stale.ID, h.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("reloaded timer never fired")
	}
}

func TestReloadSkipsFinishedHandles(t *testing.T) {
	db := testDB(t)

	done := models.TimerHandle{
		ID:             uuid.NewString(),
		WorkspaceID:    "ws1",
		ConversationID: "c1",
		Phase:          models.PhaseCollectingData,
		Deadline:       time.Now().Add(-time.Minute).UTC(),
		Status:         models.TimerCancelled,
	}
	require.NoError(t, db.Create(&done).Error)

	e, fired := newTestEngine(t, db)
	require.NoError(t, e.Reload())

	select {
	case <-fired:
		t.Fatal("cancelled handle fired after reload")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFailedDeliveryKeepsHandlePending(t *testing.T) {
	db := testDB(t)

	attempts := make(chan models.TimerHandle, 8)
	broken := NewEngine(db, keylock.New(), func(h models.TimerHandle) error {
		attempts <- h
		return errors.New("bus unavailable")
	})

	handle, err := broken.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never attempted")
	}
	broken.Stop()

	// The undelivered deadline must survive as pending, not be claimed fired.
	var row models.TimerHandle
	require.NoError(t, db.Where("id = ?", handle.ID).First(&row).Error)
	assert.Equal(t, models.TimerPending, row.Status)

	// A fresh engine over the same database re-arms and delivers it.
	e, fired := newTestEngine(t, db)
	require.NoError(t, e.Reload())

	select {
	case h := <-fired:
		assert.Equal(t, handle.ID, h.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was never delivered after reload")
	}

	require.NoError(t, db.Where("id = ?", handle.ID).First(&row).Error)
	assert.Equal(t, models.TimerFired, row.Status)
}

func TestPendingFiltersByWorkspace(t *testing.T) {
	db := testDB(t)
	e, _ := newTestEngine(t, db)

	_, err := e.Schedule("ws1", "c1", models.PhaseCollectingData, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = e.Schedule("ws2", "c9", models.PhaseCollectingData, time.Now().Add(time.Hour))
	require.NoError(t, err)

	handles, err := e.Pending("ws1")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "c1", handles[0].ConversationID)
}
