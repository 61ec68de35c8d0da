package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"

	"github.com/crossrate/tradecap/coordination"
)

func testService(t *testing.T) *Service {
	var etcd = etcdtest.TestClient()
	t.Cleanup(etcdtest.Cleanup)

	var coord, err = coordination.NewStore(etcd, "/tradecap.test/"+t.Name())
	require.NoError(t, err)
	return NewService(coord, DefaultConfig)
}

func TestJobLifecycle(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var jobID, err = svc.Create(ctx, "", "T1", "rest")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := svc.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, "T1", job.TradeID)
	require.Equal(t, 0, job.Progress)

	job, err = svc.Update(ctx, jobID, StatusProcessing, 50, "capturing")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, job.Status)
	require.Equal(t, 50, job.Progress)
	require.Equal(t, "capturing", job.Message)

	job, err = svc.Complete(ctx, jobID, "blotter:T1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, "blotter:T1", job.Result)

	// Terminal jobs refuse further updates.
	_, err = svc.Update(ctx, jobID, StatusProcessing, 10, "")
	require.ErrorContains(t, err, "already COMPLETED")
}

func TestJobFailure(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var jobID, err = svc.Create(ctx, "explicit-id", "T1", "")
	require.NoError(t, err)
	require.Equal(t, "explicit-id", jobID)

	job, err := svc.Fail(ctx, jobID, "enrichment failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, job.Status)
	require.Equal(t, "enrichment failed", job.Error)
}

func TestJobValidation(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var _, err = svc.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	jobID, err := svc.Create(ctx, "", "T1", "")
	require.NoError(t, err)

	_, err = svc.Update(ctx, jobID, "WEIRD", 0, "")
	require.ErrorContains(t, err, "unknown job status")

	_, err = svc.Update(ctx, jobID, StatusProcessing, 101, "")
	require.ErrorContains(t, err, "outside [0, 100]")
}

func TestJobEstimatedCompletion(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var t0 = time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return t0 }

	var jobID, err = svc.Create(ctx, "", "T1", "")
	require.NoError(t, err)

	// No estimate without progress.
	job, err := svc.Update(ctx, jobID, StatusProcessing, 0, "")
	require.NoError(t, err)
	require.Nil(t, job.EstimatedCompletionTime)

	// Twenty percent done after ten seconds projects a fifty second run.
	svc.now = func() time.Time { return t0.Add(10 * time.Second) }
	job, err = svc.Update(ctx, jobID, StatusProcessing, 20, "")
	require.NoError(t, err)
	require.NotNil(t, job.EstimatedCompletionTime)
	require.True(t, job.EstimatedCompletionTime.Equal(t0.Add(50*time.Second)))

	// Terminal states drop the estimate.
	job, err = svc.Complete(ctx, jobID, "blotter:T1")
	require.NoError(t, err)
	require.Nil(t, job.EstimatedCompletionTime)
}

func TestJobRetention(t *testing.T) {
	var svc = testService(t)
	svc.cfg.Retention = time.Second
	var ctx = context.Background()

	var jobID, err = svc.Create(ctx, "", "T1", "")
	require.NoError(t, err)

	_, err = svc.Get(ctx, jobID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var _, err = svc.Get(ctx, jobID)
		return err != nil
	}, 10*time.Second, 250*time.Millisecond)
}
