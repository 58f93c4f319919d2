package dispatcher

import (
	"context"
	"time"

	"deepagent/internal/model"
	"deepagent/internal/store"
)

const staleError = "stale claim recovered"

// Sweep recovers running tasks whose claim has outlived its budget, the
// stop sequence and the configured slack. Such tasks belonged to a worker
// that died; tasks this process still holds are left alone.
func (d *Dispatcher) Sweep(ctx context.Context) {
	now := d.now()
	grace := d.exec.GracePeriod()
	cutoffs := map[model.TaskType]time.Time{}
	for _, typ := range model.TaskTypes {
		b, ok := d.exec.Budget(typ)
		if !ok {
			continue
		}
		// interrupt grace plus kill grace
		cutoffs[typ] = now.Add(-(b.Timeout + 2*grace + d.cfg.StaleSlack))
	}

	stale, err := d.store.FindStale(ctx, cutoffs)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("stale sweep failed", "err", err)
		}
		return
	}
	for i := range stale {
		t := &stale[i]
		if d.holds(t.ID) {
			continue
		}
		d.log.Warn("recovering stale task", "task_id", t.ID, "claimed_by", t.WorkerID, "started_at", t.StartedAt)
		d.record(ctx, t, model.LevelWarn, model.EventStaleRecovered, staleError, map[string]any{
			"claimed_by": t.WorkerID,
			"attempt":    t.Attempts,
		})

		if t.CancelRequested {
			if _, err := d.store.Transition(ctx, t.ID, model.StatusRunning, model.StatusCancelled, store.Fields{Message: "cancelled after stale claim"}); err != nil {
				d.log.Warn("cancel stale task failed", "task_id", t.ID, "err", err)
			}
			continue
		}
		failed, err := d.store.Transition(ctx, t.ID, model.StatusRunning, model.StatusFailed, store.Fields{
			LastError: store.Str(staleError),
			Data:      map[string]any{"claimed_by": t.WorkerID},
		})
		if err != nil {
			d.log.Warn("fail stale task failed", "task_id", t.ID, "err", err)
			continue
		}
		d.retryOrBury(ctx, failed)
	}
}

func (d *Dispatcher) propagateCancels(ctx context.Context) {
	ids, err := d.store.RunningWithCancelRequest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("cancel poll failed", "err", err)
		}
		return
	}
	for _, id := range ids {
		d.Cancel(id)
	}
}
