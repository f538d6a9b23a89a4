package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/events"
	"github.com/tovfikur/infra-controlplane/pkg/log"
	"github.com/tovfikur/infra-controlplane/pkg/metrics"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// Handler runs one DeploymentTask to completion, reporting progress
// through sink. Cancellation is cooperative: handlers must check
// ctx.Done() between steps, particularly around long-running SSH
// commands.
type Handler func(ctx context.Context, task *types.DeploymentTask, sink *ProgressSink) error

// Dispatcher is the Deployment Engine (C4): a bounded worker pool
// dispatching DeploymentTasks to registered Handlers, one goroutine per
// in-flight task gated by a semaphore channel.
type Dispatcher struct {
	store  storage.Store
	broker *events.Broker

	handlersMu sync.RWMutex
	handlers   map[types.TaskKind]Handler

	sem chan struct{}

	hostLocks sync.Map // map[string]*sync.Mutex
	cancels   sync.Map // map[string]chan struct{}

	onCompleteMu sync.Mutex
	onComplete   []func(*types.DeploymentTask)

	orphanThreshold time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Dispatcher with the given worker pool size.
func New(store storage.Store, broker *events.Broker, concurrency int, orphanThreshold time.Duration) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		store:           store,
		broker:          broker,
		handlers:        make(map[types.TaskKind]Handler),
		sem:             make(chan struct{}, concurrency),
		orphanThreshold: orphanThreshold,
		stopCh:          make(chan struct{}),
	}
}

// RegisterHandler wires a Handler for kind. Call before Start.
func (d *Dispatcher) RegisterHandler(kind types.TaskKind, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[kind] = h
}

// OnComplete registers a callback invoked after every task reaches a
// terminal status, letting pkg/placement react to install/migrate
// completion without pkg/deploy importing pkg/placement.
func (d *Dispatcher) OnComplete(fn func(*types.DeploymentTask)) {
	d.onCompleteMu.Lock()
	defer d.onCompleteMu.Unlock()
	d.onComplete = append(d.onComplete, fn)
}

// Start recovers orphaned tasks left running by a prior process
// lifetime, per spec.md's Orphaned error kind: any task still in
// status=running with a start time older than orphanThreshold is
// presumed dead and marked failed.
func (d *Dispatcher) Start() error {
	running, err := d.store.ListTasksByStatus(types.TaskRunning)
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	cutoff := time.Now().Add(-d.orphanThreshold)
	for _, t := range running {
		if t.StartedAt.After(cutoff) {
			continue
		}
		t.Status = types.TaskFailed
		t.Error = ctlerr.New(ctlerr.Orphaned, "task still running past orphan threshold after a process restart").Error()
		t.CompletedAt = time.Now()
		t.UpdatedAt = time.Now()
		if err := d.store.UpdateTask(t); err != nil {
			log.WithTask(t.ID).Warn().Err(err).Msg("failed to mark orphaned task as failed")
			continue
		}
		d.publish(events.EventTaskFailed, t, "orphan recovery")
		d.fireOnComplete(t)
	}
	return nil
}

// Stop signals every in-flight handler goroutine's context to cancel and
// waits for them to return.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Submit durably records task and dispatches it to the worker pool.
func (d *Dispatcher) Submit(task *types.DeploymentTask) (*types.DeploymentTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.Status = types.TaskPending
	task.CreatedAt, task.UpdatedAt = now, now

	if err := d.store.CreateTask(task); err != nil {
		return nil, err
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()

	d.wg.Add(1)
	go d.run(task.ID, now)

	return task, nil
}

// Cancel signals the running task's handler to stop cooperatively via
// context cancellation. Returns NotFound if the task isn't currently
// dispatched.
func (d *Dispatcher) Cancel(taskID string) error {
	v, ok := d.cancels.Load(taskID)
	if !ok {
		return ctlerr.New(ctlerr.NotFound, "no in-flight task "+taskID)
	}
	close(v.(chan struct{}))
	return nil
}

// HostMutex returns the per-host mutex serializing SSH operations
// against hostID, creating one on first use.
func (d *Dispatcher) HostMutex(hostID string) *sync.Mutex {
	v, _ := d.hostLocks.LoadOrStore(hostID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// LockHosts locks the mutex for every distinct host id in ascending
// sorted order — never the order callers pass them in — so two
// concurrent migrate tasks naming the same pair of hosts in opposite
// directions cannot deadlock. The returned function unlocks in reverse.
func (d *Dispatcher) LockHosts(hostIDs ...string) func() {
	seen := make(map[string]bool, len(hostIDs))
	var unique []string
	for _, id := range hostIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	locks := make([]*sync.Mutex, 0, len(unique))
	for _, id := range unique {
		m := d.HostMutex(id)
		m.Lock()
		locks = append(locks, m)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (d *Dispatcher) run(taskID string, submittedAt time.Time) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
	case <-d.stopCh:
		return
	}
	defer func() { <-d.sem }()

	metrics.TaskDispatchLatency.Observe(time.Since(submittedAt).Seconds())

	task, err := d.store.GetTask(taskID)
	if err != nil {
		log.WithTask(taskID).Error().Err(err).Msg("dispatcher: task vanished before dispatch")
		return
	}

	d.handlersMu.RLock()
	handler, ok := d.handlers[task.Kind]
	d.handlersMu.RUnlock()
	if !ok {
		d.finish(task, fmt.Errorf("no handler registered for task kind %q", task.Kind), false)
		return
	}

	// Migrate locks both of its hosts itself (MigrateHandler); every other
	// kind is serialized on its target host here.
	if task.Kind != types.TaskMigrate {
		unlock := d.LockHosts(task.TargetHostID)
		defer unlock()
	}

	task, err = retryUpdateTask(d.store, task.ID, func(t *types.DeploymentTask) {
		t.Status = types.TaskRunning
		t.StartedAt = time.Now()
	})
	if err != nil {
		log.WithTask(taskID).Error().Err(err).Msg("dispatcher: failed to mark task running")
		return
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), string(types.TaskRunning)).Inc()

	ctrl := make(chan struct{})
	d.cancels.Store(task.ID, ctrl)
	defer d.cancels.Delete(task.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var operatorCanceled int32
	go func() {
		select {
		case <-ctrl:
			atomic.StoreInt32(&operatorCanceled, 1)
			cancel()
		case <-ctx.Done():
		case <-d.stopCh:
			cancel()
		}
	}()

	sink := newProgressSink(d.store, task.ID)
	handlerErr := handler(ctx, task, sink)
	d.finish(task, handlerErr, atomic.LoadInt32(&operatorCanceled) == 1)
}

// finish records a task's terminal status. canceled is true only when the
// operator's Cancel closed the task's ctrl channel — not when the handler
// simply returned an error or the process is shutting down — so an
// operator-initiated cancel lands on spec.md §4.4's cancelled terminal
// state instead of being indistinguishable from a handler failure.
func (d *Dispatcher) finish(task *types.DeploymentTask, handlerErr error, canceled bool) {
	startedAt := task.StartedAt

	final, err := retryUpdateTask(d.store, task.ID, func(t *types.DeploymentTask) {
		switch {
		case canceled:
			t.Status = types.TaskCancelled
			if handlerErr != nil {
				t.Error = handlerErr.Error()
			}
		case handlerErr != nil:
			t.Status = types.TaskFailed
			t.Error = handlerErr.Error()
		default:
			t.Status = types.TaskCompleted
			t.Progress = 100
		}
		t.CompletedAt = time.Now()
	})
	if err != nil {
		log.WithTask(task.ID).Error().Err(err).Msg("dispatcher: failed to record terminal task status")
		return
	}

	if !startedAt.IsZero() {
		metrics.TaskDuration.WithLabelValues(string(final.Kind), string(final.Status)).Observe(final.CompletedAt.Sub(startedAt).Seconds())
	}
	metrics.TasksTotal.WithLabelValues(string(final.Kind), string(final.Status)).Inc()

	switch final.Status {
	case types.TaskCompleted:
		d.publish(events.EventTaskCompleted, final, "")
	case types.TaskCancelled:
		d.publish(events.EventTaskCancelled, final, final.Error)
	default:
		d.publish(events.EventTaskFailed, final, final.Error)
	}
	d.fireOnComplete(final)
}

func (d *Dispatcher) publish(evt events.EventType, task *types.DeploymentTask, msg string) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:   uuid.NewString(),
		Type: evt,
		Metadata: map[string]string{
			"task_id": task.ID,
			"kind":    string(task.Kind),
		},
		Message: msg,
	})
}

func (d *Dispatcher) fireOnComplete(task *types.DeploymentTask) {
	d.onCompleteMu.Lock()
	callbacks := append([]func(*types.DeploymentTask){}, d.onComplete...)
	d.onCompleteMu.Unlock()
	for _, fn := range callbacks {
		fn(task)
	}
}
