package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

func TestSession_GetMissing(t *testing.T) {
	svc := NewSessionService(newTestStore(t))

	_, err := svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSession_PauseResumeStop(t *testing.T) {
	st := newTestStore(t)
	q := NewQueueService(st)
	svc := NewSessionService(st)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "user-1", "lifecycle", testConfig())
	require.NoError(t, err)
	id := entry.SessionID

	require.NoError(t, svc.Pause(ctx, id))
	sess, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, sess.Status)

	require.NoError(t, svc.Resume(ctx, id))
	sess, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)

	require.NoError(t, svc.Stop(ctx, id))
	sess, err = svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, sess.Status)

	// Stop withdraws the queue entry as well.
	got, err := st.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, got.Status)
}

func TestSession_TerminalIsFinal(t *testing.T) {
	st := newTestStore(t)
	q := NewQueueService(st)
	svc := NewSessionService(st)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "user-1", "final", testConfig())
	require.NoError(t, err)
	id := entry.SessionID

	require.NoError(t, svc.Stop(ctx, id))

	assert.ErrorIs(t, svc.Pause(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, svc.Resume(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, svc.Stop(ctx, id), ErrInvalidTransition)

	// Finish tolerates an already-terminal session.
	require.NoError(t, svc.Finish(ctx, id, models.SessionStatusError))
	sess, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, sess.Status)
}

func TestSession_FinishRequiresTerminalStatus(t *testing.T) {
	st := newTestStore(t)
	q := NewQueueService(st)
	svc := NewSessionService(st)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "user-1", "finish", testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Finish(ctx, entry.SessionID, models.SessionStatusPaused), ErrInvalidTransition)
	require.NoError(t, svc.Finish(ctx, entry.SessionID, models.SessionStatusCompleted))

	sess, err := svc.Get(ctx, entry.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)
	assert.NotNil(t, sess.FinishedAt)
}

func TestSession_HeartbeatAndProgress(t *testing.T) {
	st := newTestStore(t)
	q := NewQueueService(st)
	svc := NewSessionService(st)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "user-1", "progress", testConfig())
	require.NoError(t, err)
	id := entry.SessionID

	require.NoError(t, svc.Start(ctx, id))
	require.NoError(t, svc.Heartbeat(ctx, id))

	state := models.SessionState{TownIndex: 1, CompletedTowns: []string{"Worcester"}}
	summary := models.SessionSummary{BusinessesFound: 7}
	require.NoError(t, svc.Progress(ctx, id, 150, state, summary))

	sess, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, sess.HeartbeatAt)
	assert.NotNil(t, sess.StartedAt)
	assert.Equal(t, 100, sess.Progress, "progress is clamped to 100")
	assert.Equal(t, 7, sess.Summary.BusinessesFound)
}
