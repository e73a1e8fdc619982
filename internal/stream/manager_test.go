package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	m := NewManager()
	client := m.Subscribe(1, "c1")

	m.PublishStage(1, StageSignature, "deriving")
	m.PublishStage(2, StageSignature, "other record")

	select {
	case ev := <-client.Events:
		assert.Equal(t, int64(1), ev.RecordID)
		assert.Equal(t, StageSignature, ev.Stage)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	assert.Len(t, client.Events, 0)

	m.Complete(1, "success", "")
	done := <-client.Complete
	assert.Equal(t, "success", done.Status)
	assert.False(t, m.IsActive(1))
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	m := NewManager()
	m.PublishStage(7, StageQueued, "")
	m.PublishStage(7, StageSubmit, "")
	m.Complete(7, "failure", "boom")

	client := m.Subscribe(7, "late")
	require.Len(t, client.Events, 2)
	assert.Equal(t, StageQueued, (<-client.Events).Stage)
	assert.Equal(t, StageSubmit, (<-client.Events).Stage)

	done := <-client.Complete
	assert.Equal(t, "boom", done.ErrorMessage)
}

func TestCompleteIsFirstWins(t *testing.T) {
	m := NewManager()
	m.Complete(3, "success", "")
	m.Complete(3, "failure", "late")
	m.PublishStage(3, StageSubmit, "ignored")

	client := m.Subscribe(3, "c")
	assert.Equal(t, "success", (<-client.Complete).Status)
	assert.Empty(t, m.History(3))
}

func TestUnsubscribeDropsFinishedStream(t *testing.T) {
	m := NewManager()
	client := m.Subscribe(4, "c")
	m.Complete(4, "success", "")
	m.Unsubscribe(4, "c")

	select {
	case <-client.Done:
	default:
		t.Fatal("Done not closed")
	}
	assert.Nil(t, m.History(4))
	assert.False(t, m.IsActive(4))
}

func TestCleanupOldStreams(t *testing.T) {
	m := NewManager()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Complete(1, "success", "")
	m.PublishStage(2, StageQueued, "")

	m.now = func() time.Time { return base.Add(time.Hour) }
	assert.Equal(t, 1, m.CleanupOldStreams(10*time.Minute))
	assert.True(t, m.IsActive(2))
}
