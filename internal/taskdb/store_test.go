package taskdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/workflow"
)

var baseTime = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

type repoFactory func(t *testing.T) Repository

var repositories = map[string]repoFactory{
	"sqlite": func(t *testing.T) Repository {
		repo, err := NewSQLiteRepository(flowcontext.Background(), SQLiteConfig{
			Path:        filepath.Join(t.TempDir(), "db", workflow.DatabaseFileName),
			JournalMode: "WAL",
			BusyTimeout: time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	},
	"memdb": func(t *testing.T) Repository {
		repo, err := NewMemRepository()
		require.NoError(t, err)
		return repo
	},
}

// withStore runs f once per repository implementation.
func withStore(t *testing.T, retryThreshold int, f func(t *testing.T, store *Store, clock *clocktesting.FakeClock)) {
	for name, factory := range repositories {
		t.Run(name, func(t *testing.T) {
			clock := clocktesting.NewFakeClock(baseTime)
			store := NewStore(factory(t), Config{RetryThreshold: retryThreshold, BusyRetries: 3}, clock)
			f(t, store, clock)
		})
	}
}

func key(run string, p workflow.ProcessType) TaskKey {
	return TaskKey{RunName: run, ProcType: p}
}

func apply(t *testing.T, store *Store, run string, p workflow.ProcessType, status workflow.Status, jobID ...int64) Result {
	t.Helper()
	update := Update{RunName: run, ProcType: p, Status: status}
	if len(jobID) > 0 {
		update.JobID = &jobID[0]
	}
	result, err := store.ApplyTransition(flowcontext.Background(), update)
	require.NoError(t, err)
	return result
}

func getTask(t *testing.T, store *Store, run string, p workflow.ProcessType) *Task {
	t.Helper()
	task, err := store.GetTask(flowcontext.Background(), key(run, p))
	require.NoError(t, err)
	return task
}

func timeLogCount(t *testing.T, store *Store, run string, p workflow.ProcessType) int {
	t.Helper()
	entries, err := store.TimeLog(flowcontext.Background(), key(run, p))
	require.NoError(t, err)
	return len(entries)
}

func TestRegister_IsIdempotent(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		n, err := store.Register(ctx, "EventA", []workflow.ProcessType{workflow.EMOD3D, workflow.HF, workflow.BB})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = store.Register(ctx, "EventA", []workflow.ProcessType{workflow.EMOD3D, workflow.HF, workflow.BB, workflow.IMCalculation})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		tasks, err := store.Query(ctx, Filter{RunNames: []string{"EventA"}})
		require.NoError(t, err)
		require.Len(t, tasks, 4)
		for _, task := range tasks {
			assert.Equal(t, workflow.Created, task.Status)
			assert.Nil(t, task.JobID)
			assert.Equal(t, 0, task.RetryCount)
		}
		assert.Equal(t, 1, timeLogCount(t, store, "EventA", workflow.EMOD3D))
	})
}

func TestRegister_RejectsBadInput(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "", []workflow.ProcessType{workflow.HF})
		assert.Error(t, err)
		_, err = store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{"LF"})
		assert.Error(t, err)
	})
}

func TestApplyTransition_HappyPath(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, clock *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.EMOD3D})
		require.NoError(t, err)

		clock.Step(time.Minute)
		assert.Equal(t, Applied, apply(t, store, "EventA", workflow.EMOD3D, workflow.Queued, 1234).Outcome)
		clock.Step(time.Minute)
		assert.Equal(t, Applied, apply(t, store, "EventA", workflow.EMOD3D, workflow.Running).Outcome)
		clock.Step(time.Minute)
		assert.Equal(t, Applied, apply(t, store, "EventA", workflow.EMOD3D, workflow.Completed).Outcome)

		task := getTask(t, store, "EventA", workflow.EMOD3D)
		assert.Equal(t, workflow.Completed, task.Status)
		require.NotNil(t, task.JobID)
		assert.Equal(t, int64(1234), *task.JobID)
		assert.True(t, baseTime.Add(3*time.Minute).Equal(task.LastModified))

		entries, err := store.TimeLog(flowcontext.Background(), key("EventA", workflow.EMOD3D))
		require.NoError(t, err)
		var statuses []workflow.Status
		for _, e := range entries {
			statuses = append(statuses, e.Status)
		}
		assert.Equal(t, []workflow.Status{workflow.Created, workflow.Queued, workflow.Running, workflow.Completed}, statuses)
	})
}

func TestApplyTransition_RejectsInvalidTransitions(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.HF})
		require.NoError(t, err)

		// created -> running skips queued
		result := apply(t, store, "EventA", workflow.HF, workflow.Running)
		assert.Equal(t, Rejected, result.Outcome)
		assert.Equal(t, workflow.Created, getTask(t, store, "EventA", workflow.HF).Status)

		apply(t, store, "EventA", workflow.HF, workflow.Queued, 1)
		apply(t, store, "EventA", workflow.HF, workflow.Running)
		apply(t, store, "EventA", workflow.HF, workflow.Completed)
		before := timeLogCount(t, store, "EventA", workflow.HF)

		for _, status := range []workflow.Status{workflow.Running, workflow.Queued, workflow.Created, workflow.Unknown, workflow.Failed} {
			result := apply(t, store, "EventA", workflow.HF, status)
			assert.Equal(t, Rejected, result.Outcome, "completed -> %s", status)
			assert.Contains(t, result.Reason, "cannot move from completed")
		}
		assert.Equal(t, workflow.Completed, getTask(t, store, "EventA", workflow.HF).Status)
		assert.Equal(t, before, timeLogCount(t, store, "EventA", workflow.HF))
	})
}

func TestApplyTransition_UnregisteredTaskIsRejected(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		result := apply(t, store, "Nobody", workflow.HF, workflow.Queued, 1)
		assert.Equal(t, Rejected, result.Outcome)
		assert.Nil(t, result.Task)
	})
}

func TestApplyTransition_InvalidTokensAreErrors(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.ApplyTransition(flowcontext.Background(), Update{RunName: "EventA", ProcType: "LF", Status: workflow.Queued})
		assert.Error(t, err)
		_, err = store.ApplyTransition(flowcontext.Background(), Update{RunName: "EventA", ProcType: workflow.HF, Status: "done"})
		assert.Error(t, err)
	})
}

func TestApplyTransition_IsIdempotent(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.BB})
		require.NoError(t, err)

		apply(t, store, "EventA", workflow.BB, workflow.Queued, 7)
		apply(t, store, "EventA", workflow.BB, workflow.Running)
		apply(t, store, "EventA", workflow.BB, workflow.Completed)
		once := getTask(t, store, "EventA", workflow.BB)
		onceCount := timeLogCount(t, store, "EventA", workflow.BB)

		result := apply(t, store, "EventA", workflow.BB, workflow.Completed)
		assert.Equal(t, Ignored, result.Outcome)
		assert.Equal(t, once, getTask(t, store, "EventA", workflow.BB))
		assert.Equal(t, onceCount, timeLogCount(t, store, "EventA", workflow.BB))
	})
}

func TestApplyTransition_RepeatedStatusUpdatesJobID(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.BB})
		require.NoError(t, err)

		apply(t, store, "EventA", workflow.BB, workflow.Queued, 7)
		count := timeLogCount(t, store, "EventA", workflow.BB)
		assert.Equal(t, Ignored, apply(t, store, "EventA", workflow.BB, workflow.Queued, 8).Outcome)

		task := getTask(t, store, "EventA", workflow.BB)
		require.NotNil(t, task.JobID)
		assert.Equal(t, int64(8), *task.JobID)
		assert.Equal(t, count, timeLogCount(t, store, "EventA", workflow.BB))
	})
}

func TestApplyTransition_FailureRecyclesAndRecordsError(t *testing.T) {
	withStore(t, 3, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		_, err := store.Register(ctx, "EventA", []workflow.ProcessType{workflow.EMOD3D})
		require.NoError(t, err)

		apply(t, store, "EventA", workflow.EMOD3D, workflow.Queued, 100)
		apply(t, store, "EventA", workflow.EMOD3D, workflow.Running)
		result, err := store.ApplyTransition(ctx, Update{
			RunName:  "EventA",
			ProcType: workflow.EMOD3D,
			Status:   workflow.Failed,
			Error:    "segfault in emod3d",
		})
		require.NoError(t, err)
		assert.Equal(t, Recycled, result.Outcome)

		task := getTask(t, store, "EventA", workflow.EMOD3D)
		assert.Equal(t, workflow.Created, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Nil(t, task.JobID)
		assert.Equal(t, "segfault in emod3d", task.LastError)

		records, err := store.Errors(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "EventA/EMOD3D", records[0].Name)
		assert.Equal(t, "segfault in emod3d", records[0].Reason)

		entries, err := store.TimeLog(ctx, key("EventA", workflow.EMOD3D))
		require.NoError(t, err)
		require.Len(t, entries, 5)
		assert.Equal(t, workflow.Failed, entries[3].Status)
		assert.Equal(t, workflow.Created, entries[4].Status)
	})
}

func TestApplyTransition_RetryAccounting(t *testing.T) {
	tests := map[string]struct {
		threshold int
		failures  int
	}{
		"fewer failures than threshold": {threshold: 3, failures: 2},
		"failures equal threshold":      {threshold: 3, failures: 3},
		"more failures than threshold":  {threshold: 3, failures: 5},
		"no retries":                    {threshold: 0, failures: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withStore(t, tc.threshold, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
				_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.HF})
				require.NoError(t, err)

				recycled := 0
				for i := 0; i < tc.failures; i++ {
					apply(t, store, "EventA", workflow.HF, workflow.Queued, int64(i+1))
					apply(t, store, "EventA", workflow.HF, workflow.Running)
					if apply(t, store, "EventA", workflow.HF, workflow.Failed).Outcome == Recycled {
						recycled++
					}
				}

				expectedRecycles := tc.failures
				if tc.threshold < expectedRecycles {
					expectedRecycles = tc.threshold
				}
				assert.Equal(t, expectedRecycles, recycled)

				task := getTask(t, store, "EventA", workflow.HF)
				if tc.failures > tc.threshold {
					assert.Equal(t, workflow.Failed, task.Status)
					assert.Equal(t, tc.threshold, task.RetryCount)
					runnable, err := store.Runnable(flowcontext.Background(), key("EventA", workflow.HF))
					require.NoError(t, err)
					assert.False(t, runnable)
				} else {
					assert.Equal(t, workflow.Created, task.Status)
					assert.Equal(t, tc.failures, task.RetryCount)
				}
			})
		})
	}
}

func TestApplyTransition_ExhaustedTaskIsNotRequeued(t *testing.T) {
	withStore(t, 1, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.HF})
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			apply(t, store, "EventA", workflow.HF, workflow.Queued, int64(i+1))
			apply(t, store, "EventA", workflow.HF, workflow.Running)
			apply(t, store, "EventA", workflow.HF, workflow.Failed)
		}
		require.Equal(t, workflow.Failed, getTask(t, store, "EventA", workflow.HF).Status)
		logged := timeLogCount(t, store, "EventA", workflow.HF)

		result := apply(t, store, "EventA", workflow.HF, workflow.Created)
		assert.Equal(t, Rejected, result.Outcome)
		assert.Contains(t, result.Reason, "not requeued")
		task := getTask(t, store, "EventA", workflow.HF)
		assert.Equal(t, workflow.Failed, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Equal(t, logged, timeLogCount(t, store, "EventA", workflow.HF))
	})
}

func TestApplyTransition_RaisedThresholdAllowsRequeue(t *testing.T) {
	for name, factory := range repositories {
		t.Run(name, func(t *testing.T) {
			clock := clocktesting.NewFakeClock(baseTime)
			repo := factory(t)
			store := NewStore(repo, Config{RetryThreshold: 0, BusyRetries: 3}, clock)
			_, err := store.Register(flowcontext.Background(), "EventA", []workflow.ProcessType{workflow.HF})
			require.NoError(t, err)
			apply(t, store, "EventA", workflow.HF, workflow.Queued, 1)
			apply(t, store, "EventA", workflow.HF, workflow.Failed)
			require.Equal(t, workflow.Failed, getTask(t, store, "EventA", workflow.HF).Status)

			store = NewStore(repo, Config{RetryThreshold: 1, BusyRetries: 3}, clock)
			assert.Equal(t, Applied, apply(t, store, "EventA", workflow.HF, workflow.Created).Outcome)
			task := getTask(t, store, "EventA", workflow.HF)
			assert.Equal(t, workflow.Created, task.Status)
			assert.Equal(t, 1, task.RetryCount)
			assert.False(t, task.HasJob())

			assert.Equal(t, Ignored, apply(t, store, "EventA", workflow.HF, workflow.Created).Outcome, "already requeued")
		})
	}
}

func TestRunnable_DependencyGating(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		_, err := store.Register(ctx, "EventA", []workflow.ProcessType{workflow.EMOD3D, workflow.HF, workflow.BB})
		require.NoError(t, err)

		runnable, err := store.Runnable(ctx, key("EventA", workflow.BB))
		require.NoError(t, err)
		assert.False(t, runnable)

		for _, p := range []workflow.ProcessType{workflow.EMOD3D, workflow.HF} {
			apply(t, store, "EventA", p, workflow.Queued, int64(p.Ordinal()))
			apply(t, store, "EventA", p, workflow.Running)
		}
		apply(t, store, "EventA", workflow.EMOD3D, workflow.Completed)

		runnable, err = store.Runnable(ctx, key("EventA", workflow.BB))
		require.NoError(t, err)
		assert.False(t, runnable, "HF is still running")

		apply(t, store, "EventA", workflow.HF, workflow.Completed)
		runnable, err = store.Runnable(ctx, key("EventA", workflow.BB))
		require.NoError(t, err)
		assert.True(t, runnable)

		tasks, err := store.RunnableTasks(ctx, nil)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, workflow.BB, tasks[0].ProcType)

		tasks, err = store.RunnableTasks(ctx, []int64{tasks[0].ID})
		require.NoError(t, err)
		assert.Empty(t, tasks)

		runnable, err = store.Runnable(ctx, key("Nobody", workflow.BB))
		require.NoError(t, err)
		assert.False(t, runnable)
	})
}

func TestRunnableTasks_NeverIncludesBlockedTasks(t *testing.T) {
	withStore(t, 1, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		all := workflow.AllProcessTypes()
		for _, run := range []string{"EventB", "EventA"} {
			_, err := store.Register(ctx, run, all)
			require.NoError(t, err)
		}
		// Fail EMOD3D on EventA past its retries.
		for i := 0; i < 2; i++ {
			apply(t, store, "EventA", workflow.EMOD3D, workflow.Queued, int64(i+1))
			apply(t, store, "EventA", workflow.EMOD3D, workflow.Failed)
		}

		tasks, err := store.RunnableTasks(ctx, nil)
		require.NoError(t, err)
		var got []string
		for _, task := range tasks {
			got = append(got, task.Key().String())
			assert.Empty(t, task.ProcType.Dependencies(), "%s has dependencies", task.Key())
		}
		assert.Equal(t, []string{
			"EventA/HF", "EventA/rrup", "EventA/plot_srf",
			"EventB/EMOD3D", "EventB/HF", "EventB/rrup", "EventB/plot_srf",
		}, got)
	})
}

func TestQuery_FiltersAndOrder(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		for _, run := range []string{"Hossack_REL02", "Alpine_REL01", "Hossack_REL01"} {
			_, err := store.Register(ctx, run, []workflow.ProcessType{workflow.BB, workflow.EMOD3D})
			require.NoError(t, err)
		}
		apply(t, store, "Hossack_REL01", workflow.EMOD3D, workflow.Queued, 9)

		tasks, err := store.Query(ctx, Filter{})
		require.NoError(t, err)
		var got []string
		for _, task := range tasks {
			got = append(got, task.Key().String())
		}
		assert.Equal(t, []string{
			"Alpine_REL01/EMOD3D", "Alpine_REL01/BB",
			"Hossack_REL01/EMOD3D", "Hossack_REL01/BB",
			"Hossack_REL02/EMOD3D", "Hossack_REL02/BB",
		}, got)

		tasks, err = store.Query(ctx, Filter{RunNamePattern: "Hossack%", ProcTypes: []workflow.ProcessType{workflow.EMOD3D}})
		require.NoError(t, err)
		assert.Len(t, tasks, 2)

		tasks, err = store.Query(ctx, Filter{Statuses: []workflow.Status{workflow.Queued}})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "Hossack_REL01", tasks[0].RunName)

		tasks, err = store.Query(ctx, Filter{RunNamePattern: "hossack_rel0_"})
		require.NoError(t, err)
		assert.Len(t, tasks, 4)

		tasks, err = store.Query(ctx, Filter{ExcludeIDs: []int64{tasks[0].ID}})
		require.NoError(t, err)
		assert.Len(t, tasks, 5)
	})
}

func TestRecordTime_InsertOrIgnore(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		_, err := store.Register(ctx, "EventA", []workflow.ProcessType{workflow.HF})
		require.NoError(t, err)

		first := baseTime.Add(time.Hour)
		inserted, err := store.RecordTime(ctx, key("EventA", workflow.HF), workflow.Running, first)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.RecordTime(ctx, key("EventA", workflow.HF), workflow.Running, first.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, inserted)

		entries, err := store.TimeLog(ctx, key("EventA", workflow.HF))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.True(t, first.Equal(entries[1].Time))

		_, err = store.RecordTime(ctx, key("Nobody", workflow.HF), workflow.Running, first)
		assert.True(t, flowerrors.IsNotFound(err))
	})
}

func TestRecordError_RefreshesExistingRecord(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, clock *clocktesting.FakeClock) {
		ctx := flowcontext.Background()
		require.NoError(t, store.RecordError(ctx, "scheduler", "sbatch: error: Batch job submission failed"))
		clock.Step(time.Minute)
		require.NoError(t, store.RecordError(ctx, "consolidator", ""))
		clock.Step(time.Minute)
		require.NoError(t, store.RecordError(ctx, "scheduler", "sbatch: error: Batch job submission failed"))

		records, err := store.Errors(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "scheduler", records[0].Name)
		assert.True(t, baseTime.Add(2*time.Minute).Equal(records[0].LastUpdateTime))
		assert.Equal(t, unspecifiedReason, records[1].Reason)
	})
}

func TestGetTask_NotFound(t *testing.T) {
	withStore(t, 2, func(t *testing.T, store *Store, _ *clocktesting.FakeClock) {
		_, err := store.GetTask(flowcontext.Background(), key("Nobody", workflow.HF))
		assert.True(t, flowerrors.IsNotFound(err))
		assert.NoError(t, store.HealthCheck(flowcontext.Background()))
	})
}
