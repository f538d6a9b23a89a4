package deploy

import (
	"sync"
	"time"

	"github.com/tovfikur/infra-controlplane/pkg/ctlerr"
	"github.com/tovfikur/infra-controlplane/pkg/storage"
	"github.com/tovfikur/infra-controlplane/pkg/types"
)

// maxTaskLogBytes bounds a DeploymentTask's append-only Log field, the
// same size-bounded-transcript idea pkg/probe applies to its own
// per-host transcript.
const maxTaskLogBytes = 32 * 1024

// progressFlushInterval throttles SetProgress writes so a chatty handler
// reporting percent-complete on every loop iteration doesn't turn into a
// storage write per iteration; phase boundaries and log lines always
// flush immediately.
const progressFlushInterval = 2 * time.Second

func appendBounded(existing, line string) string {
	out := existing
	if out != "" {
		out += "\n"
	}
	out += line
	if len(out) > maxTaskLogBytes {
		out = out[len(out)-maxTaskLogBytes:]
	}
	return out
}

// retryUpdateTask re-reads and re-applies mutate until UpdateTask
// succeeds, absorbing VersionConflicts from concurrent writers of the
// same task row (the dispatcher's terminal-status write racing the
// sink's progress flush).
func retryUpdateTask(store storage.Store, id string, mutate func(*types.DeploymentTask)) (*types.DeploymentTask, error) {
	for {
		t, err := store.GetTask(id)
		if err != nil {
			return nil, err
		}
		mutate(t)
		t.UpdatedAt = time.Now()
		if err := store.UpdateTask(t); err != nil {
			if ctlerr.KindOf(err) == ctlerr.VersionConflict {
				continue
			}
			return nil, err
		}
		return t, nil
	}
}

// ProgressSink is a handler's only way to report progress on its
// DeploymentTask: phase transitions and log lines flush immediately,
// percent-complete flushes are throttled.
type ProgressSink struct {
	store  storage.Store
	taskID string

	mu                sync.Mutex
	lastProgressFlush time.Time
}

func newProgressSink(store storage.Store, taskID string) *ProgressSink {
	return &ProgressSink{store: store, taskID: taskID}
}

// SetPhase records a new CurrentPhase and appends a log line marking the
// transition.
func (p *ProgressSink) SetPhase(phase string) error {
	_, err := retryUpdateTask(p.store, p.taskID, func(t *types.DeploymentTask) {
		t.CurrentPhase = phase
		t.Log = appendBounded(t.Log, "phase: "+phase)
	})
	return err
}

// SetProgress raises Progress to pct if higher than the current value,
// per DeploymentTask's monotonically-non-decreasing invariant. Writes
// are throttled to progressFlushInterval.
func (p *ProgressSink) SetProgress(pct int) error {
	p.mu.Lock()
	due := time.Since(p.lastProgressFlush) >= progressFlushInterval
	if due {
		p.lastProgressFlush = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return nil
	}
	_, err := retryUpdateTask(p.store, p.taskID, func(t *types.DeploymentTask) {
		if pct > t.Progress {
			t.Progress = pct
		}
	})
	return err
}

// AppendLog appends line to the task's bounded log, flushing immediately.
func (p *ProgressSink) AppendLog(line string) error {
	_, err := retryUpdateTask(p.store, p.taskID, func(t *types.DeploymentTask) {
		t.Log = appendBounded(t.Log, line)
	})
	return err
}
