package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/models"
)

func TestSweepRecoversLostJobsAndPurgesContexts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.ingestAndIndex(t, owner, "done.txt", renalGuideline, models.VisibilityPrivate)
	crashed, err := f.ingest.Ingest(ctx, IngestRequest{OwnerID: owner.OwnerID, Filename: "crashed.txt", Content: []byte("Warfarin interacts with many antibiotics.")})
	require.NoError(t, err)
	lost, err := f.ingest.Ingest(ctx, IngestRequest{OwnerID: owner.OwnerID, Filename: "lost.txt", Content: []byte("Heparin requires aPTT monitoring.")})
	require.NoError(t, err)

	running, err := f.store.ClaimJob(ctx, crashed.Document.DocumentKey)
	require.NoError(t, err)
	require.Equal(t, models.JobRunning, running.State)

	_, err = f.convs.SaveClinicalContext(ctx, owner, "req", ClinicalContextInput{Summary: "short lived", TTL: time.Hour})
	require.NoError(t, err)
	keep, err := f.convs.SaveClinicalContext(ctx, owner, "req", ClinicalContextInput{Summary: "long lived", TTL: 24 * time.Hour})
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	sweeper := NewSweeper(f.cfg, f.store, enq)
	sweeper.now = func() time.Time { return time.Now().UTC().Add(3 * time.Hour) }

	report, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Requeued)
	assert.Equal(t, int64(1), report.Purged)
	assert.Zero(t, report.EnqueueErr)

	requeued := map[string]bool{}
	for _, j := range enq.jobs {
		requeued[j.ID] = true
	}
	assert.True(t, requeued[running.ID])
	assert.True(t, requeued[lost.Job.ID])

	failed, err := f.store.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, failed.State)

	completed, err := f.store.LatestJobForDocument(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, completed.State)

	_, err = f.store.GetClinicalContext(ctx, keep.ID)
	assert.NoError(t, err)

	// The requeued jobs index normally.
	job, err := f.supervisor.Run(ctx, crashed.Document.DocumentKey)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.State)
	assert.Equal(t, 1, job.RetryCount)
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ingest.Ingest(ctx, IngestRequest{OwnerID: owner.OwnerID, Filename: "fresh.txt", Content: []byte(renalGuideline)})
	require.NoError(t, err)

	enq := &recordingEnqueuer{}
	report, err := NewSweeper(f.cfg, f.store, enq).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)
	assert.Zero(t, enq.count())
}

func TestJobRetryGrantsAnotherAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.ingest.Ingest(ctx, IngestRequest{OwnerID: owner.OwnerID, Filename: "a.txt", Content: []byte(renalGuideline)})
	require.NoError(t, err)

	f.embedder.err = errProviderDown
	for i := 0; i <= f.cfg.IndexingMaxRetries; i++ {
		_, err = f.supervisor.Run(ctx, res.Document.DocumentKey)
		require.ErrorIs(t, err, errProviderDown)
	}
	failed, err := f.store.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	require.False(t, failed.Claimable(), "retries used up")

	enq := &recordingEnqueuer{}
	jobs := NewJobService(f.store, enq, f.audit)
	listed, err := jobs.List(ctx, models.JobFilter{States: []models.JobState{models.JobFailed}})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	retried, err := jobs.Retry(ctx, "admin-1", "req", res.Job.ID)
	require.NoError(t, err)
	assert.True(t, retried.Claimable())
	assert.Equal(t, 1, enq.count())

	f.embedder.err = nil
	job, err := f.supervisor.Run(ctx, res.Document.DocumentKey)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.State)

	_, err = jobs.Retry(ctx, "admin-1", "req", res.Job.ID)
	assert.Error(t, err, "completed jobs cannot be retried")

	events, err := f.store.ListAuditEvents(ctx, "admin-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditJobRetried, events[0].Action)
}
