package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

// DueDate computes the SLA deadline of a request. The first SLA rule whose
// field matches decides the number of days, otherwise the definition
// default applies. Zero days means no deadline.
func DueDate(def model.WorkflowDefinition, formData map[string]any, submittedAt time.Time) *time.Time {
	days := def.DefaultSLADays
	for _, rule := range def.SLARules {
		if model.MatchesValue(formData[rule.Field], rule.Value) {
			days = rule.Days
			break
		}
	}
	if days <= 0 {
		return nil
	}
	due := submittedAt.AddDate(0, 0, days)
	return &due
}

// IsOverdue reports whether r is past its deadline at now. Archived
// requests and requests in their terminal stage are never overdue.
func IsOverdue(def model.WorkflowDefinition, r *model.WorkflowRequest, now time.Time) bool {
	if r.IsArchived || r.DueAt == nil || def.IsTerminal(r.Status) {
		return false
	}
	return now.After(*r.DueAt)
}

// Overdue lists the requests past their deadline at now.
func (e *Engine) Overdue(ctx context.Context, now time.Time) ([]*model.WorkflowRequest, error) {
	archived := false
	all, err := e.store.List(ctx, model.RequestFilters{Archived: &archived})
	if err != nil {
		return nil, err
	}

	var out []*model.WorkflowRequest
	for _, r := range all {
		def, ok := e.defs.GetByName(r.Type)
		if !ok {
			continue
		}
		if IsOverdue(def, r, now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SweepOverdue refreshes the overdue gauge and notifies about requests that
// became overdue since the previous sweep. It returns the overdue count.
func (e *Engine) SweepOverdue(ctx context.Context) (int, error) {
	overdue, err := e.Overdue(ctx, e.now())
	if err != nil {
		e.logger.Error("overdue sweep failed", zap.Error(err))
		return 0, err
	}

	perType := make(map[string]int)
	current := make(map[string]bool, len(overdue))
	var fresh []*model.WorkflowRequest

	e.overdueMu.Lock()
	for _, r := range overdue {
		perType[r.Type]++
		current[r.ID] = true
		if !e.overdueNotified[r.ID] {
			fresh = append(fresh, r)
		}
	}
	e.overdueNotified = current
	e.overdueMu.Unlock()

	if e.metrics != nil {
		e.metrics.ResetOverdue()
		for t, n := range perType {
			e.metrics.SetOverdue(t, float64(n))
		}
	}

	for _, r := range fresh {
		def, ok := e.defs.GetByName(r.Type)
		if !ok {
			continue
		}
		e.logger.Info("request overdue",
			append(observability.RequestFields(r), zap.Timep("due_at", r.DueAt))...)
		e.notifier.Overdue(ctx, def, r)
	}
	return len(overdue), nil
}
