package progress

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/natsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Start("doc-1", "ingestion"))
	task, err := r.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 0, task.Percent)

	require.NoError(t, r.Progress("doc-1", 45, "chunk"))
	task, err = r.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, 45, task.Percent)
	assert.Equal(t, "chunk", task.Step)

	require.NoError(t, r.Complete("doc-1", "12 chunks indexed"))
	task, err = r.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Percent)
	assert.NotNil(t, task.CompletedAt)
}

func TestRegistry_FailKeepsPercent(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Start("doc-2", "ingestion"))
	require.NoError(t, r.Progress("doc-2", 30, "extract"))
	require.NoError(t, r.Fail("doc-2", errors.New("no text")))

	task, err := r.Get("doc-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, 30, task.Percent)
	assert.Equal(t, "no text", task.Error)
}

func TestRegistry_UnknownTask(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Progress("nope", 10, "download"), ErrNotFound)
	assert.ErrorIs(t, r.Complete("nope", ""), ErrNotFound)
	assert.ErrorIs(t, r.Fail("nope", nil), ErrNotFound)
}

func TestRegistry_PercentClamped(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Start("doc-3", "ingestion"))
	require.NoError(t, r.Progress("doc-3", 150, "index"))
	task, _ := r.Get("doc-3")
	assert.Equal(t, 100, task.Percent)
	require.NoError(t, r.Progress("doc-3", -5, "index"))
	task, _ = r.Get("doc-3")
	assert.Equal(t, 0, task.Percent)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Start("doc-4", "ingestion"))
	task, _ := r.Get("doc-4")
	task.Percent = 99

	again, _ := r.Get("doc-4")
	assert.Equal(t, 0, again.Percent)
}

func TestRegistry_EvictsFinishedTasks(t *testing.T) {
	r := NewRegistry(nil, WithRetention(20*time.Millisecond))
	defer r.Close()
	require.NoError(t, r.Start("doc-5", "ingestion"))
	require.NoError(t, r.Complete("doc-5", ""))

	assert.Eventually(t, func() bool {
		_, err := r.Get("doc-5")
		return errors.Is(err, ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_RestartCancelsEviction(t *testing.T) {
	r := NewRegistry(nil, WithRetention(30*time.Millisecond))
	defer r.Close()
	require.NoError(t, r.Start("doc-6", "ingestion"))
	require.NoError(t, r.Fail("doc-6", errors.New("timeout")))
	require.NoError(t, r.Start("doc-6", "ingestion"))

	time.Sleep(80 * time.Millisecond)
	task, err := r.Get("doc-6")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
}

func TestRegistry_PublishesEvents(t *testing.T) {
	nc := natsutil.StartTestServer(t)
	sub, err := nc.SubscribeSync(SubjectPrefix + ".doc-7.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r := NewRegistry(nc)
	require.NoError(t, r.Start("doc-7", "ingestion"))
	require.NoError(t, r.Progress("doc-7", 70, "embed"))
	require.NoError(t, r.Fail("doc-7", errors.New("embedding backend down")))

	want := []string{EventStarted, EventProgress, EventFailed}
	for _, name := range want {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, Subject("doc-7", name), msg.Subject)

		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, name, ev.Event)
		assert.Equal(t, "doc-7", ev.ID)
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "lexd.tasks.abc.failed", Subject("abc", EventFailed))
}
