package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"deepagent/internal/apperr"
	"deepagent/internal/delivery"
	"deepagent/internal/model"
	"deepagent/internal/store"
	"deepagent/internal/supervisor"
)

func (d *Dispatcher) apply(ctx context.Context, task *model.Task, out supervisor.Outcome) {
	switch out.Kind {
	case supervisor.OutcomeSuccess, supervisor.OutcomePartial:
		d.complete(ctx, task, out)
	case supervisor.OutcomeFailure:
		d.fail(ctx, task, out.Detail, out)
	case supervisor.OutcomeCancelled:
		if out.Reason == supervisor.ReasonShutdown {
			d.requeue(ctx, task, out)
			return
		}
		d.cancelled(ctx, task, out)
	default:
		d.log.Error("unknown outcome kind", "task_id", task.ID, "kind", out.Kind)
		d.fail(ctx, task, fmt.Sprintf("unknown outcome %q", out.Kind), out)
	}
}

// complete records the result, hands it to delivery and finishes the task.
// Delivery problems are recorded but never keep the task from completing.
func (d *Dispatcher) complete(ctx context.Context, task *model.Task, out supervisor.Outcome) {
	f := store.Fields{
		OutputsLocation: store.Str(out.OutputsLocation),
		ResultSummary:   store.Str(out.Summary),
		Data:            outcomeData(out),
	}
	t, err := d.store.Transition(ctx, task.ID, model.StatusRunning, model.StatusProcessing, f)
	if err != nil {
		d.resolveConflict(ctx, task, out, err)
		return
	}

	results := d.deliver(ctx, t)

	// delivery may have used most of ctx; the remaining writes get their own
	wctx, done := d.applyContext(ctx)
	defer done()
	for name, r := range results {
		level := model.LevelInfo
		if r.Status == model.DeliveryFailed {
			level = model.LevelWarn
		}
		d.record(wctx, t, level, model.EventDelivery, fmt.Sprintf("%s delivery %s", name, r.Status), map[string]any{
			"channel": name,
			"status":  string(r.Status),
			"detail":  r.Detail,
			"url":     r.URL,
		})
	}

	if _, err := d.store.Transition(wctx, task.ID, model.StatusProcessing, model.StatusCompleted, store.Fields{DeliveryResults: results}); err != nil {
		// TODO: sweep tasks stuck in processing once a second worker can own them
		d.log.Error("complete task failed", "task_id", task.ID, "err", err)
		d.record(wctx, t, model.LevelError, model.EventInternalError, "could not mark task completed: "+err.Error(), nil)
	}
}

// deliver runs the gateway under its own deadline.
func (d *Dispatcher) deliver(ctx context.Context, t *model.Task) map[string]model.DeliveryOutcome {
	results := map[string]model.DeliveryOutcome{}
	if d.gateway == nil {
		return results
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DeliveryTimeout)
	defer cancel()
	for name, r := range d.gateway.Deliver(dctx, delivery.Request{
		TaskID:          t.ID,
		CorrelationID:   t.CorrelationID,
		Title:           t.Title,
		Summary:         t.ResultSummary,
		OutputsLocation: t.OutputsLocation,
		Preferences:     t.DeliveryPreferences,
	}) {
		results[name] = r
	}
	return results
}

// fail moves a running task to failed, then schedules a retry or buries it.
func (d *Dispatcher) fail(ctx context.Context, task *model.Task, detail string, out supervisor.Outcome) {
	f := store.Fields{LastError: store.Str(detail), Data: outcomeData(out)}
	if out.OutputsLocation != "" {
		f.OutputsLocation = store.Str(out.OutputsLocation)
	}
	t, err := d.store.Transition(ctx, task.ID, model.StatusRunning, model.StatusFailed, f)
	if err != nil {
		d.resolveConflict(ctx, task, out, err)
		return
	}
	d.retryOrBury(ctx, t)
}

// retryOrBury decides the fate of a failed task.
func (d *Dispatcher) retryOrBury(ctx context.Context, t *model.Task) {
	if !d.policy.ShouldRetry(t.Attempts, t.MaxAttempts) {
		_, err := d.store.Transition(ctx, t.ID, model.StatusFailed, model.StatusDead, store.Fields{
			Message: fmt.Sprintf("giving up after %d attempts", t.Attempts),
			Data:    map[string]any{"attempts": t.Attempts},
		})
		if err != nil {
			d.log.Warn("bury task failed", "task_id", t.ID, "err", err)
		}
		return
	}

	delay := d.policy.DelayFor(t.Attempts)
	next := d.now().Add(delay)
	_, err := d.store.Transition(ctx, t.ID, model.StatusFailed, model.StatusRetry, store.Fields{
		NextRetryAt: &next,
		Data:        map[string]any{"attempt": t.Attempts, "delay_ms": delay.Milliseconds()},
	})
	if err != nil {
		// a cancel may have landed between the two transitions
		d.log.Warn("schedule retry failed", "task_id", t.ID, "err", err)
		return
	}
	d.record(ctx, t, model.LevelInfo, model.EventRetryScheduled, fmt.Sprintf("retry %d of %d in %s", t.Attempts+1, t.MaxAttempts, delay), map[string]any{
		"next_retry_at": next,
		"delay_ms":      delay.Milliseconds(),
	})
}

func (d *Dispatcher) cancelled(ctx context.Context, task *model.Task, out supervisor.Outcome) {
	f := store.Fields{Message: "execution cancelled", Data: outcomeData(out)}
	if out.OutputsLocation != "" {
		f.OutputsLocation = store.Str(out.OutputsLocation)
	}
	if _, err := d.store.Transition(ctx, task.ID, model.StatusRunning, model.StatusCancelled, f); err != nil {
		d.log.Warn("cancel task failed", "task_id", task.ID, "err", err)
	}
}

// requeue returns a task interrupted by worker shutdown to the queue. The
// interrupted attempt still counts, so a task on its last attempt fails.
func (d *Dispatcher) requeue(ctx context.Context, task *model.Task, out supervisor.Outcome) {
	if task.Attempts >= task.MaxAttempts {
		d.fail(ctx, task, "worker shut down during the final attempt", out)
		return
	}
	_, err := d.store.Transition(ctx, task.ID, model.StatusRunning, model.StatusQueued, store.Fields{
		Message: "requeued after worker shutdown",
		Data:    outcomeData(out),
	})
	if err != nil {
		d.resolveConflict(ctx, task, out, err)
	}
}

// resolveConflict handles a transition out of running that lost its
// compare-and-set. A pending cancellation wins over the outcome; anything
// else means the task moved on without us and the outcome is dropped.
func (d *Dispatcher) resolveConflict(ctx context.Context, task *model.Task, out supervisor.Outcome, err error) {
	log := d.log.With("task_id", task.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		log.Error("apply outcome failed", "kind", out.Kind, "err", err)
		return
	}
	cur, gerr := d.store.Get(ctx, task.ID)
	if gerr != nil {
		log.Error("re-read after conflict failed", "err", gerr)
		return
	}
	if cur.Status == model.StatusRunning && cur.CancelRequested {
		d.cancelled(ctx, cur, out)
		return
	}
	log.Warn("outcome dropped", "kind", out.Kind, "status", cur.Status, "err", err)
}

func outcomeData(out supervisor.Outcome) map[string]any {
	data := map[string]any{"outcome": string(out.Kind)}
	if out.Reason != supervisor.ReasonNone {
		data["reason"] = string(out.Reason)
	}
	return data
}
