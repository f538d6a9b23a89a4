package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := New(store, broker, 2, time.Hour)
	return d, store
}

func waitForTerminal(t *testing.T, store storage.Store, taskID string) *types.DeploymentTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(taskID)
		require.NoError(t, err)
		if task.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return nil
}

func TestDispatcherRunsRegisteredHandlerToCompletion(t *testing.T) {
	d, store := newTestDispatcher(t)

	var phases []string
	d.RegisterHandler(types.TaskBackup, func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		sink.SetPhase("backing-up")
		phases = append(phases, "backing-up")
		return nil
	})

	task, err := d.Submit(&types.DeploymentTask{Kind: types.TaskBackup, TargetHostID: "host-1", TargetService: types.ServiceDatabase})
	require.NoError(t, err)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Contains(t, final.Log, "backing-up")
}

func TestDispatcherMarksFailedOnHandlerError(t *testing.T) {
	d, store := newTestDispatcher(t)

	d.RegisterHandler(types.TaskInstall, func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		return assert.AnError
	})

	task, err := d.Submit(&types.DeploymentTask{Kind: types.TaskInstall, TargetHostID: "host-1", TargetService: types.ServiceDatabase})
	require.NoError(t, err)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestDispatcherMarksCancelledOnOperatorCancel(t *testing.T) {
	d, store := newTestDispatcher(t)

	started := make(chan struct{})
	d.RegisterHandler(types.TaskInstall, func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	task, err := d.Submit(&types.DeploymentTask{Kind: types.TaskInstall, TargetHostID: "host-1", TargetService: types.ServiceDatabase})
	require.NoError(t, err)

	<-started
	require.NoError(t, d.Cancel(task.ID))

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskCancelled, final.Status)
}

func TestDispatcherFailsUnregisteredKind(t *testing.T) {
	d, store := newTestDispatcher(t)

	task, err := d.Submit(&types.DeploymentTask{Kind: types.TaskMigrate, TargetHostID: "host-1"})
	require.NoError(t, err)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskFailed, final.Status)
	assert.Contains(t, final.Error, "no handler registered")
}

func TestDispatcherOnCompleteCallback(t *testing.T) {
	d, store := newTestDispatcher(t)

	done := make(chan *types.DeploymentTask, 1)
	d.OnComplete(func(t *types.DeploymentTask) { done <- t })
	d.RegisterHandler(types.TaskBackup, func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error {
		return nil
	})

	task, err := d.Submit(&types.DeploymentTask{Kind: types.TaskBackup, TargetHostID: "host-1"})
	require.NoError(t, err)
	waitForTerminal(t, store, task.ID)

	select {
	case got := <-done:
		assert.Equal(t, task.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("OnComplete callback was never invoked")
	}
}

func TestLockHostsOrdersAscendingAndUnlocks(t *testing.T) {
	d, _ := newTestDispatcher(t)

	unlock := d.LockHosts("host-b", "host-a")

	locked := make(chan struct{})
	go func() {
		d.HostMutex("host-a").Lock()
		d.HostMutex("host-a").Unlock()
		close(locked)
	}()

	select {
	case <-locked:
		t.Fatal("host-a should still be locked")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("host-a should have been unlocked")
	}
}

func TestStartRecoversOrphanedRunningTasks(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	task := &types.DeploymentTask{Kind: types.TaskInstall, TargetHostID: "host-1"}
	require.NoError(t, store.CreateTask(task))

	task.Status = types.TaskRunning
	task.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.UpdateTask(task))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := New(store, broker, 2, time.Minute)
	require.NoError(t, d.Start())

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "Orphaned")
}
