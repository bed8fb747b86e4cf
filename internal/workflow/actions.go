package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/upload"
	"github.com/pitabwire/intraflow/model"
)

// OpenResult reports the outcome of OpenActionRequest. NoOp is set when
// every recipient already had a record for the stage.
type OpenResult struct {
	Request *model.WorkflowRequest `json:"request"`
	Added   []string               `json:"added"`
	Skipped []string               `json:"skipped,omitempty"`
	NoOp    bool                   `json:"noOp"`
}

// OpenActionRequest asks recipients to perform the current stage's action.
// An empty recipient list falls back to the stage's approver ids.
func (e *Engine) OpenActionRequest(ctx context.Context, id string, recipientIDs []string, actorID string) (res OpenResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.open_action",
		observability.AttrRequestID.String(id),
		observability.AttrRecipients.Int(len(recipientIDs)),
	)
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, res.Request)
		observability.EndSpanWithError(span, err)
		e.record("open_action", start, err)
	}()

	actor, err := e.actor(actorID)
	if err != nil {
		return OpenResult{}, err
	}

	var (
		def     model.WorkflowDefinition
		action  model.ActionSpec
		added   []string
		skipped []string
	)
	req, err := e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		var err error
		if def, err = e.writable(r, actor); err != nil {
			return err
		}
		stage, _ := def.Status(r.Status)
		if stage.Action == nil {
			return model.NewFieldError("status", "NO_ACTION",
				fmt.Sprintf("stage %q does not define an action", r.Status))
		}
		action = *stage.Action

		recipients := uniqueNonEmpty(recipientIDs)
		if len(recipients) == 0 {
			recipients = uniqueNonEmpty(action.ApproverIDs)
		}
		if len(recipients) == 0 {
			return model.NewFieldError("recipientIds", "REQUIRED", "at least one recipient is required")
		}

		existing := make(map[string]bool)
		for _, ar := range r.ActionRequests[r.Status] {
			existing[ar.UserID] = true
		}

		added, skipped = nil, nil
		now := e.now()
		var records []model.ActionRequest
		var names []string
		for _, rid := range recipients {
			if existing[rid] {
				skipped = append(skipped, rid)
				continue
			}
			c, ok := e.dir.ByID(rid)
			if !ok {
				return model.NewFieldError("recipientIds", "UNKNOWN_USER", fmt.Sprintf("collaborator %q not found", rid))
			}
			records = append(records, model.ActionRequest{
				UserID:      c.ID,
				UserName:    c.Name,
				Status:      model.ActionStatusPending,
				RequestedAt: now,
			})
			names = append(names, c.Name)
			added = append(added, c.ID)
		}
		if len(records) == 0 {
			return errUnchanged
		}

		if r.ActionRequests == nil {
			r.ActionRequests = make(map[string][]model.ActionRequest)
		}
		r.ActionRequests[r.Status] = append(r.ActionRequests[r.Status], records...)
		r.History = append(r.History, model.HistoryEntry{
			Timestamp: now,
			Status:    r.Status,
			UserID:    actor.ID,
			UserName:  actor.Name,
			Notes:     fmt.Sprintf("%s solicitada para: %s", actionTitle(action), strings.Join(names, ", ")),
		})
		r.LastUpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, getErr := e.store.Get(ctx, id)
		if getErr != nil {
			return OpenResult{}, getErr
		}
		return OpenResult{Request: current, Skipped: skipped, NoOp: true}, nil
	}
	if err != nil {
		return OpenResult{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordActionOpened(action.Type, len(added))
	}
	e.notifier.ActionRequested(ctx, def, req.Clone(), actor, added)
	return OpenResult{Request: req, Added: added, Skipped: skipped}, nil
}

// Respond resolves the caller's pending action record at the current stage.
// An attachment is uploaded before anything is written; if the upload fails
// the record stays pending.
func (e *Engine) Respond(ctx context.Context, id, userID, response, comment string, attachment *upload.File) (req *model.WorkflowRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.respond",
		observability.AttrRequestID.String(id),
		observability.AttrActionResponse.String(response),
	)
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, req)
		observability.EndSpanWithError(span, err)
		e.record("respond", start, err)
	}()

	user, err := e.actor(userID)
	if err != nil {
		return nil, err
	}
	comment = strings.TrimSpace(comment)

	// 1. Validate against the current state before uploading anything.
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	def, action, err := e.respondable(current, user.ID, response, comment, attachment)
	if err != nil {
		return nil, err
	}
	stage := current.Status

	// 2. Upload the attachment.
	var stored *upload.Stored
	if attachment != nil {
		s, err := e.uploader.Upload(ctx, current.ID, *attachment)
		if err != nil {
			return nil, err
		}
		stored = &s
	}

	// 3. Resolve the record and append history atomically.
	req, err = e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		if r.IsArchived {
			return model.NewRequestArchivedError(r.RequestID)
		}
		if r.Status != stage {
			return model.NewActionNotPendingError(user.ID, stage)
		}
		i := r.PendingActionFor(user.ID)
		if i < 0 {
			return model.NewActionNotPendingError(user.ID, stage)
		}

		now := e.now()
		records := r.ActionRequests[stage]
		records[i].Status = response
		records[i].RespondedAt = &now
		records[i].Comment = comment
		notes := fmt.Sprintf("%s: %s", actionTitle(action), model.ResponseLabel(response))
		if comment != "" {
			notes += ". Comentário: " + comment
		}
		if stored != nil {
			records[i].AttachmentURL = stored.URL
			records[i].AttachmentName = stored.Name
			notes += ". Anexo: " + stored.Name
		}
		r.ActionRequests[stage] = records

		r.History = append(r.History, model.HistoryEntry{
			Timestamp: now,
			Status:    stage,
			UserID:    user.ID,
			UserName:  user.Name,
			Notes:     notes,
		})
		r.LastUpdatedAt = now
		return nil
	})
	if err != nil {
		if stored != nil {
			e.logger.Warn("response rejected after attachment upload",
				zap.String("request_id", current.RequestID),
				zap.String("attachment", stored.URL),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordActionResponse(action.Type, response)
	}
	e.notifier.ActionResolved(ctx, def, req.Clone(), user, response, comment)
	return req, nil
}

// respondable validates a response against the request's current stage.
func (e *Engine) respondable(r *model.WorkflowRequest, userID, response, comment string, attachment *upload.File) (model.WorkflowDefinition, model.ActionSpec, error) {
	if r.IsArchived {
		return model.WorkflowDefinition{}, model.ActionSpec{}, model.NewRequestArchivedError(r.RequestID)
	}
	def, ok := e.defs.GetByName(r.Type)
	if !ok {
		return def, model.ActionSpec{}, model.NewConfigurationError(fmt.Sprintf("workflow definition %q not found", r.Type))
	}
	stage, _ := def.Status(r.Status)
	if stage.Action == nil {
		return def, model.ActionSpec{}, model.NewFieldError("status", "NO_ACTION",
			fmt.Sprintf("stage %q does not define an action", r.Status))
	}
	action := *stage.Action

	allowed := model.ResponsesFor(action.Type)
	if !slices.Contains(allowed, response) {
		return def, action, model.NewFieldError("response", "INVALID_VALUE",
			fmt.Sprintf("response must be one of %s for %s actions", strings.Join(allowed, ", "), action.Type))
	}
	if r.PendingActionFor(userID) < 0 {
		return def, action, model.NewActionNotPendingError(userID, r.Status)
	}
	if response == model.ActionStatusExecuted {
		if action.CommentRequired && comment == "" {
			return def, action, model.NewFieldError("comment", "REQUIRED", "a comment is required to confirm execution")
		}
		if action.AttachmentRequired && attachment == nil {
			return def, action, model.NewFieldError("attachment", "REQUIRED", "an attachment is required to confirm execution")
		}
	}
	return def, action, nil
}

func actionTitle(a model.ActionSpec) string {
	if a.Label != "" {
		return a.Label
	}
	switch a.Type {
	case model.ActionTypeApproval:
		return "Aprovação"
	case model.ActionTypeAcknowledgement:
		return "Ciência"
	case model.ActionTypeExecution:
		return "Execução"
	default:
		return a.Type
	}
}

func uniqueNonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
