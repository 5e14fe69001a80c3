package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitd/conduit/internal/output"
	"github.com/conduitd/conduit/internal/transform"
	"github.com/conduitd/conduit/pkg/types"
)

// slowServer responds after the given delay, counting requests.
func slowServer(t *testing.T, delay time.Duration, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func httpJob(id, url string) types.JobDefinition {
	return types.JobDefinition{
		ID:        id,
		Schedule:  "* * * * *",
		Transform: "response",
		Input:     types.InputSource{Kind: types.InputKindHTTP, HTTP: &types.HTTPInput{URL: url}},
		Outputs:   []types.OutputSpec{{Kind: types.OutputKindFile, Format: types.FormatJSON, Path: os.DevNull, RetryCount: 1}},
		TimeoutMs: 5000,
	}
}

func newTestScheduler(t *testing.T, maxConcurrent int, opts ...Option) *Scheduler {
	t.Helper()
	logger := logrus.New()
	store := newTestSecrets(t, map[string]interface{}{})
	exec := NewExecutor(store, &fakePool{}, transform.NewEvaluator(), output.NewDispatcher(store, logger), logger)
	return NewScheduler(exec, maxConcurrent, logger, opts...)
}

func TestExecuteRejectsConcurrentRunOfSameJob(t *testing.T) {
	server := slowServer(t, 300*time.Millisecond, nil)
	s := newTestScheduler(t, 10)
	job := httpJob("one-at-a-time", server.URL)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		exec, err := s.Execute(context.Background(), job)
		assert.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, exec.Status)
	}()

	<-started
	require.Eventually(t, func() bool {
		return len(s.GetRunning()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.Execute(context.Background(), job)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	wg.Wait()
	assert.Empty(t, s.GetRunning())

	// The job can run again once the first instance finished.
	exec, err := s.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, exec.Status)
}

func TestExecuteRejectsOverGlobalCap(t *testing.T) {
	server := slowServer(t, 300*time.Millisecond, nil)
	s := newTestScheduler(t, 2)

	var wg sync.WaitGroup
	for _, id := range []string{"cap-a", "cap-b"} {
		job := httpJob(id, server.URL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Execute(context.Background(), job)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		return len(s.GetRunning()) == 2
	}, time.Second, 5*time.Millisecond)

	// Third distinct job is rejected immediately, not queued.
	start := time.Now()
	_, err := s.Execute(context.Background(), httpJob("cap-c", server.URL))
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	wg.Wait()

	// Capacity is released after completion.
	exec, err := s.Execute(context.Background(), httpJob("cap-c", server.URL))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, exec.Status)
}

func TestApplySchedulesAndReschedules(t *testing.T) {
	s := newTestScheduler(t, 10)

	enabled := true
	jobA := httpJob("job-a", "http://localhost:1")
	jobA.Name = "Job A"
	jobA.Enabled = &enabled
	jobB := httpJob("job-b", "http://localhost:1")
	jobB.Schedule = "0 * * * *"

	s.Apply(map[string]types.JobDefinition{"job-a": jobA, "job-b": jobB})
	require.Len(t, s.GetScheduled(), 2)

	// Reapplying the same snapshot replaces entries instead of stacking.
	s.Apply(map[string]types.JobDefinition{"job-a": jobA, "job-b": jobB})
	require.Len(t, s.GetScheduled(), 2)

	// A removed job and a disabled job both lose their timers.
	disabled := false
	jobA.Enabled = &disabled
	s.Apply(map[string]types.JobDefinition{"job-a": jobA})
	assert.Empty(t, s.GetScheduled())
}

func TestApplyInvalidCronSkipsOnlyThatJob(t *testing.T) {
	s := newTestScheduler(t, 10)

	good := httpJob("good", "http://localhost:1")
	bad := httpJob("bad", "http://localhost:1")
	bad.Schedule = "not a cron expression"

	s.Apply(map[string]types.JobDefinition{"good": good, "bad": bad})

	scheduled := s.GetScheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, "good", scheduled[0].JobID)
}

func TestScheduledFiringRunsJob(t *testing.T) {
	var hits atomic.Int64
	server := slowServer(t, 0, &hits)
	s := newTestScheduler(t, 10)

	job := httpJob("every-second", server.URL)
	job.Schedule = "@every 1s"
	s.Apply(map[string]types.JobDefinition{job.ID: job})

	require.NoError(t, s.Start())
	defer s.Shutdown()
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	require.Eventually(t, func() bool {
		return hits.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := s.LastExecution(job.ID)
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	last, ok := s.LastExecution(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, last.JobID)
	assert.Equal(t, types.StatusCompleted, last.Status)
}

func TestStopWaitsForInFlightRuns(t *testing.T) {
	server := slowServer(t, 200*time.Millisecond, nil)
	s := newTestScheduler(t, 10, WithGracePeriod(5*time.Second))
	require.NoError(t, s.Start())

	done := make(chan *types.JobExecution, 1)
	go func() {
		exec, _ := s.Execute(context.Background(), httpJob("in-flight", server.URL))
		done <- exec
	}()

	require.Eventually(t, func() bool {
		return len(s.GetRunning()) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())

	select {
	case exec := <-done:
		require.NotNil(t, exec)
		assert.Equal(t, types.StatusCompleted, exec.Status)
	case <-time.After(time.Second):
		t.Fatal("execution did not finish before Stop returned")
	}
}

func TestExecuteRejectedWhileStopDrains(t *testing.T) {
	release := make(chan struct{})
	held := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(held.Close)
	quick := slowServer(t, 0, nil)

	s := newTestScheduler(t, 10, WithGracePeriod(10*time.Second))
	require.NoError(t, s.Start())

	go s.Execute(context.Background(), httpJob("held-job", held.URL))
	require.Eventually(t, func() bool {
		return len(s.GetRunning()) == 1
	}, time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	// While Stop drains the in-flight run, new executions are refused
	// rather than racing the drain.
	require.Eventually(t, func() bool {
		_, err := s.Execute(context.Background(), httpJob("latecomer", quick.URL))
		return errors.Is(err, ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the in-flight run finished")
	}

	// Draining over, manual executions are admitted again.
	exec, err := s.Execute(context.Background(), httpJob("latecomer", quick.URL))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, exec.Status)
}

func TestStopAbandonsRunsAfterGracePeriod(t *testing.T) {
	server := slowServer(t, 2*time.Second, nil)
	s := newTestScheduler(t, 10, WithGracePeriod(50*time.Millisecond))
	require.NoError(t, s.Start())

	go s.Execute(context.Background(), httpJob("straggler", server.URL))

	require.Eventually(t, func() bool {
		return len(s.GetRunning()) == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
}
