package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateMachine(t *testing.T) {
	now := time.Now()
	job := NewIndexingJob("j1", "key", "d1", "u1", 2, now)
	require.Equal(t, JobPending, job.State)

	require.NoError(t, job.Transition(JobRunning, now))
	assert.Equal(t, 0, job.RetryCount)
	require.NoError(t, job.Transition(JobFailed, now))
	assert.False(t, job.Terminal())

	require.NoError(t, job.Transition(JobRunning, now))
	require.NoError(t, job.Transition(JobFailed, now))
	require.NoError(t, job.Transition(JobRunning, now))
	require.NoError(t, job.Transition(JobFailed, now))
	assert.Equal(t, 2, job.RetryCount)
	assert.True(t, job.Terminal())
	assert.Error(t, job.Transition(JobRunning, now))

	require.NoError(t, job.Transition(JobSuperseded, now))
	assert.Error(t, job.Transition(JobRunning, now))
	assert.Error(t, job.Transition(JobSuperseded, now))
}

func TestSupersededReachableFromEveryLiveState(t *testing.T) {
	for _, s := range []JobState{JobPending, JobRunning, JobFailed, JobCompleted} {
		assert.True(t, CanTransition(s, JobSuperseded), s)
	}
	assert.ElementsMatch(t, []JobState{JobPending, JobRunning, JobFailed, JobCompleted}, StatesInto(JobSuperseded))
	assert.ElementsMatch(t, []JobState{JobPending, JobFailed}, StatesInto(JobRunning))
}

func TestAdvanceIsMonotonicAndCapped(t *testing.T) {
	total := 10
	job := &IndexingJob{TotalChunks: &total}
	job.Advance(4)
	job.Advance(2)
	assert.Equal(t, 4, job.ProcessedChunks)
	job.Advance(15)
	assert.Equal(t, 10, job.ProcessedChunks)
	assert.InDelta(t, 1.0, job.Progress(), 1e-9)
}

func TestProgressUnknownTotal(t *testing.T) {
	job := &IndexingJob{State: JobRunning, ProcessedChunks: 3}
	assert.Zero(t, job.Progress())
}

func TestScopeVisibility(t *testing.T) {
	private := &Document{OwnerID: "a", Visibility: VisibilityPrivate}
	public := &Document{OwnerID: "a", Visibility: VisibilityPublic}

	assert.True(t, Scope{OwnerID: "a"}.CanRead(private))
	assert.False(t, Scope{OwnerID: "b"}.CanRead(private))
	assert.True(t, Scope{OwnerID: "b"}.CanRead(public))
	assert.False(t, Scope{OwnerID: "b"}.CanModify(public))
	assert.True(t, Scope{Admin: true}.CanModify(private))
}

func TestFlagAccessors(t *testing.T) {
	f := &Flag{Name: "rag_max_results", Type: FlagNumber, Default: "5"}
	n, err := f.Int()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	f.Value = "8"
	n, err = f.Int()
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.True(t, FlagBool.ValidValue("true"))
	assert.False(t, FlagNumber.ValidValue("lots"))
	assert.True(t, FlagJSON.ValidValue(`{"a":1}`))
}
