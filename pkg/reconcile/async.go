package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/tasks"
)

// TaskKind is the tasks.Queue kind of background ingests.
const TaskKind = "reconcile.ingest"

// Register makes q run background ingests with r.
func (r *Reconciler) Register(q *tasks.Queue) {
	q.Register(TaskKind, r.handleTask)
}

// IngestAsync queues env for a background ingest. Events whose
// subscription is not visible yet are retried with backoff and end up in
// the dead-letter sink when they keep failing.
func IngestAsync(ctx context.Context, q *tasks.Queue, env Envelope) (*tasks.Task, error) {
	if env.EventID == "" {
		return nil, billing.NewValidationError("event_id", "is required")
	}
	return q.Enqueue(ctx, TaskKind, env)
}

func (r *Reconciler) handleTask(ctx context.Context, payload json.RawMessage) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return tasks.Permanent(fmt.Errorf("failed to decode envelope: %w", err))
	}
	_, err := r.Ingest(ctx, env)
	if billing.IsValidation(err) {
		return tasks.Permanent(err)
	}
	return err
}
