package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/directory"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/upload"
	"github.com/pitabwire/intraflow/model"
)

// CreatedNote is the history note of the first entry of every request.
const CreatedNote = "Solicitação criada"

// errUnchanged aborts a Mutate without writing when the operation turns out
// to be a no-op.
var errUnchanged = errors.New("workflow: request unchanged")

// DefinitionSource resolves definitions by name at use time.
type DefinitionSource interface {
	GetByName(name string) (model.WorkflowDefinition, bool)
}

// IDAllocator hands out display request ids.
type IDAllocator interface {
	Next(ctx context.Context) (string, error)
}

// Uploader stores attachments.
type Uploader interface {
	Upload(ctx context.Context, requestID string, f upload.File) (upload.Stored, error)
}

// Notifier receives request events after they are persisted. Implementations
// must not block and must not fail the caller.
type Notifier interface {
	RequestSubmitted(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest)
	StatusChanged(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, note string)
	Assigned(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, note string)
	CommentAdded(ctx context.Context, req *model.WorkflowRequest, actor model.Actor, text string)
	ActionRequested(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, recipientIDs []string)
	ActionResolved(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, responder model.Actor, response, comment string)
	Overdue(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest)
}

// Dependencies are the collaborators an Engine needs. Metrics may be nil.
type Dependencies struct {
	Definitions DefinitionSource
	Store       RequestStore
	IDs         IDAllocator
	Directory   directory.Directory
	Uploader    Uploader
	Notifier    Notifier
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Options tune engine behavior.
type Options struct {
	// StrictTransitions only allows moving to the immediate successor.
	// When false any later stage is accepted.
	StrictTransitions bool
}

// FieldInput is one submitted form field. File is set for file fields.
type FieldInput struct {
	ID    string
	Type  string
	Value any
	File  *upload.File
}

// AssignResult reports the outcome of Assign. Changed is false when the
// request already had that assignee.
type AssignResult struct {
	Request *model.WorkflowRequest `json:"request"`
	Changed bool                   `json:"changed"`
	Warning string                 `json:"warning,omitempty"`
}

// Engine runs the request lifecycle. All writes go through
// RequestStore.Mutate so that concurrent operations on one request each
// land their history entry.
type Engine struct {
	defs     DefinitionSource
	store    RequestStore
	ids      IDAllocator
	dir      directory.Directory
	uploader Uploader
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	strict   bool
	now      func() time.Time

	overdueMu       sync.Mutex
	overdueNotified map[string]bool
}

// NewEngine creates a new request engine.
func NewEngine(deps Dependencies, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		defs:            deps.Definitions,
		store:           deps.Store,
		ids:             deps.IDs,
		dir:             deps.Directory,
		uploader:        deps.Uploader,
		notifier:        deps.Notifier,
		logger:          logger,
		metrics:         deps.Metrics,
		strict:          opts.StrictTransitions,
		now:             func() time.Time { return time.Now().UTC() },
		overdueNotified: make(map[string]bool),
	}
}

// Submit creates a request from the named definition.
func (e *Engine) Submit(ctx context.Context, definitionName, submitterID string, fields []FieldInput) (req *model.WorkflowRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.submit",
		observability.AttrWorkflowType.String(definitionName),
	)
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, req)
		observability.EndSpanWithError(span, err)
		e.record("submit", start, err)
	}()

	// 1. Resolve the definition by name.
	def, ok := e.defs.GetByName(definitionName)
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("workflow definition %q not found", definitionName))
	}
	if len(def.Statuses) == 0 {
		return nil, model.NewConfigurationError(fmt.Sprintf("workflow definition %q has no statuses", definitionName))
	}

	// 2. Resolve the submitter and check the allow-list.
	submitter, err := e.actor(submitterID)
	if err != nil {
		return nil, err
	}
	if !def.AllowsSubmitter(submitter.ID) {
		return nil, model.NewForbiddenError(fmt.Sprintf("user %q may not submit %q", submitter.ID, def.Name))
	}

	// 3. Collapse fields; the last occurrence of an id wins.
	collected := make(map[string]FieldInput, len(fields))
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := collected[f.ID]; dup {
			e.logger.Warn("duplicate form field id, keeping last value",
				zap.String("workflow", def.Name),
				zap.String("field", f.ID),
			)
		} else {
			order = append(order, f.ID)
		}
		collected[f.ID] = f
	}
	if err := validateRequired(def, collected); err != nil {
		return nil, err
	}

	// 4. Allocate the display id. Nothing is persisted on failure.
	requestID, err := e.ids.Next(ctx)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordSequenceFailure()
		}
		e.logger.Error("request id allocation failed", zap.String("workflow", def.Name), zap.Error(err))
		return nil, err
	}

	now := e.now()
	req = &model.WorkflowRequest{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		Type:          def.Name,
		Status:        def.InitialStatus(),
		OwnerEmail:    def.OwnerEmail,
		SubmittedBy:   model.Submitter{UserID: submitter.ID, UserName: submitter.Name, UserEmail: submitter.Email},
		SubmittedAt:   now,
		LastUpdatedAt: now,
		FormData:      make(map[string]any, len(collected)),
		ViewedBy:      []string{},
		History: []model.HistoryEntry{{
			Timestamp: now,
			Status:    def.InitialStatus(),
			UserID:    submitter.ID,
			UserName:  submitter.Name,
			Notes:     CreatedNote,
		}},
	}

	// 5. Form data. Failed uploads become an inline error value.
	for _, id := range order {
		f := collected[id]
		if f.File == nil {
			req.FormData[id] = f.Value
			continue
		}
		stored, upErr := e.uploader.Upload(ctx, req.ID, *f.File)
		if upErr != nil {
			req.FormData[id] = uploadErrorValue(f.File.Name, upErr)
			continue
		}
		req.FormData[id] = map[string]any{
			"fileName": stored.Name,
			"url":      stored.URL,
			"size":     stored.Size,
		}
	}
	req.DueAt = DueDate(def, req.FormData, now)

	// 6. Persist, then notify.
	if err := e.store.Create(ctx, req); err != nil {
		e.logger.Error("persisting request failed", zap.String("request_id", requestID), zap.Error(err))
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordSubmission(def.Name)
	}
	if ce := e.logger.Check(zap.DebugLevel, "request submitted"); ce != nil {
		fields := append(observability.RequestFields(req),
			zap.Any("form_data", observability.RedactBody(req.FormData, nil)))
		ce.Write(fields...)
	}
	e.notifier.RequestSubmitted(ctx, def, req.Clone())
	return req, nil
}

// Transition moves a request to a later stage.
func (e *Engine) Transition(ctx context.Context, id, targetStatus, actorID, note string) (req *model.WorkflowRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrRequestID.String(id),
		observability.AttrTargetStatus.String(targetStatus),
	)
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, req)
		observability.EndSpanWithError(span, err)
		e.record("transition", start, err)
	}()

	actor, err := e.actor(actorID)
	if err != nil {
		return nil, err
	}

	var def model.WorkflowDefinition
	req, err = e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		var err error
		if def, err = e.writable(r, actor); err != nil {
			return err
		}

		from := def.StatusIndex(r.Status)
		if from < 0 {
			return model.NewConfigurationError(fmt.Sprintf("status %q is no longer a stage of %q", r.Status, def.Name))
		}
		to := def.StatusIndex(targetStatus)
		if to < 0 || to <= from || (e.strict && to != from+1) {
			return model.NewInvalidTransitionError(r.Status, targetStatus)
		}

		now := e.now()
		notes := note
		if notes == "" {
			notes = fmt.Sprintf("Status alterado para \"%s\"", def.StatusLabel(targetStatus))
		}
		r.History = append(r.History, model.HistoryEntry{
			Timestamp: now,
			Status:    targetStatus,
			UserID:    actor.ID,
			UserName:  actor.Name,
			Notes:     notes,
		})
		r.Status = targetStatus
		r.LastUpdatedAt = now
		r.ViewedBy = []string{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordTransition(req.Type, req.Status)
	}
	e.notifier.StatusChanged(ctx, def, req.Clone(), actor, note)
	return req, nil
}

// Assign hands a request to a collaborator. Assigning the current assignee
// again is a no-op reported through AssignResult.Warning.
func (e *Engine) Assign(ctx context.Context, id, assigneeID, actorID, note string) (res AssignResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.assign",
		observability.AttrRequestID.String(id),
		observability.AttrAssigneeID.String(assigneeID),
	)
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, res.Request)
		observability.EndSpanWithError(span, err)
		e.record("assign", start, err)
	}()

	actor, err := e.actor(actorID)
	if err != nil {
		return AssignResult{}, err
	}
	assignee, ok := e.dir.ByID(assigneeID)
	if !ok {
		return AssignResult{}, model.NewFieldError("assigneeId", "UNKNOWN_USER", fmt.Sprintf("collaborator %q not found", assigneeID))
	}

	var def model.WorkflowDefinition
	req, err := e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		var err error
		if def, err = e.writable(r, actor); err != nil {
			return err
		}
		if r.IsAssignee(assignee.ID) {
			return errUnchanged
		}

		now := e.now()
		notes := note
		if notes == "" {
			notes = "Atribuída a " + assignee.Name
		}
		r.Assignee = &model.Assignee{ID: assignee.ID, Name: assignee.Name}
		r.History = append(r.History, model.HistoryEntry{
			Timestamp: now,
			Status:    r.Status,
			UserID:    actor.ID,
			UserName:  actor.Name,
			Notes:     notes,
		})
		r.LastUpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		current, getErr := e.store.Get(ctx, id)
		if getErr != nil {
			return AssignResult{}, getErr
		}
		e.logger.Warn("request already assigned to this user",
			zap.String("request_id", current.RequestID),
			zap.String("assignee", assignee.ID),
		)
		return AssignResult{
			Request: current,
			Warning: fmt.Sprintf("a solicitação já está atribuída a %s", assignee.Name),
		}, nil
	}
	if err != nil {
		return AssignResult{}, err
	}

	e.notifier.Assigned(ctx, def, req.Clone(), actor, note)
	return AssignResult{Request: req, Changed: true}, nil
}

// AddComment appends a free-text comment to the history.
func (e *Engine) AddComment(ctx context.Context, id, actorID, text string) (req *model.WorkflowRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.comment", observability.AttrRequestID.String(id))
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, req)
		observability.EndSpanWithError(span, err)
		e.record("comment", start, err)
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, model.NewFieldError("text", "REQUIRED", "comment text is required")
	}
	actor, err := e.actor(actorID)
	if err != nil {
		return nil, err
	}

	req, err = e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		if _, err := e.writable(r, actor); err != nil {
			return err
		}
		now := e.now()
		r.History = append(r.History, model.HistoryEntry{
			Timestamp: now,
			Status:    r.Status,
			UserID:    actor.ID,
			UserName:  actor.Name,
			Notes:     text,
		})
		r.LastUpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifier.CommentAdded(ctx, req.Clone(), actor, text)
	return req, nil
}

// Archive soft-deletes a request. Archiving twice is a no-op and neither
// call appends history.
func (e *Engine) Archive(ctx context.Context, id string) (req *model.WorkflowRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.archive", observability.AttrRequestID.String(id))
	start := time.Now()
	defer func() {
		observability.AnnotateRequest(span, req)
		observability.EndSpanWithError(span, err)
		e.record("archive", start, err)
	}()

	req, err = e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		if r.IsArchived {
			return errUnchanged
		}
		r.IsArchived = true
		r.LastUpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return e.store.Get(ctx, id)
	}
	return req, err
}

// MarkViewed records that an administrator opened a request. It only has an
// effect while the request sits in its initial stage.
func (e *Engine) MarkViewed(ctx context.Context, id, adminID string) (*model.WorkflowRequest, error) {
	req, err := e.store.Mutate(ctx, id, func(r *model.WorkflowRequest) error {
		def, ok := e.defs.GetByName(r.Type)
		if !ok || r.Status != def.InitialStatus() || r.HasViewed(adminID) {
			return errUnchanged
		}
		r.ViewedBy = append(r.ViewedBy, adminID)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return e.store.Get(ctx, id)
	}
	return req, err
}

// NextStatus returns the guided-path successor of the request's stage, or
// nil when the stage is terminal.
func (e *Engine) NextStatus(req *model.WorkflowRequest) (*model.StatusDefinition, error) {
	def, ok := e.defs.GetByName(req.Type)
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("workflow definition %q not found", req.Type))
	}
	next, ok := def.Successor(req.Status)
	if !ok {
		return nil, nil
	}
	return &next, nil
}

// Get returns a request by storage id.
func (e *Engine) Get(ctx context.Context, id string) (*model.WorkflowRequest, error) {
	return e.store.Get(ctx, id)
}

// List returns requests from the store, newest first.
func (e *Engine) List(ctx context.Context, filters model.RequestFilters) ([]*model.WorkflowRequest, error) {
	return e.store.List(ctx, filters)
}

// actor resolves a user id through the directory.
func (e *Engine) actor(userID string) (model.Actor, error) {
	if userID == "" {
		return model.Actor{}, model.NewAuthResolutionError("no user identity on request")
	}
	c, ok := e.dir.ByID(userID)
	if !ok {
		return model.Actor{}, model.NewAuthResolutionError(fmt.Sprintf("user %q is not a known collaborator", userID))
	}
	return model.Actor{ID: c.ID, Name: c.Name, Email: c.Email}, nil
}

// writable loads the request's definition and checks that actor may change
// the request.
func (e *Engine) writable(r *model.WorkflowRequest, actor model.Actor) (model.WorkflowDefinition, error) {
	if r.IsArchived {
		return model.WorkflowDefinition{}, model.NewRequestArchivedError(r.RequestID)
	}
	def, ok := e.defs.GetByName(r.Type)
	if !ok {
		return model.WorkflowDefinition{}, model.NewConfigurationError(fmt.Sprintf("workflow definition %q not found", r.Type))
	}
	if !r.IsOwner(actor.Email) && !r.IsAssignee(actor.ID) {
		return model.WorkflowDefinition{}, model.NewForbiddenError(
			fmt.Sprintf("only the owner or the assignee may change request %s", r.RequestID),
		)
	}
	return def, nil
}

func (e *Engine) record(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.RecordOperation(op, outcome, time.Since(start))
}

func validateRequired(def model.WorkflowDefinition, fields map[string]FieldInput) error {
	var details []model.FieldError
	for _, fd := range def.Fields {
		if !fd.Required {
			continue
		}
		f, ok := fields[fd.ID]
		if ok && (f.File != nil || !isBlank(f.Value)) {
			continue
		}
		details = append(details, model.FieldError{
			Field:   fd.ID,
			Code:    "REQUIRED",
			Message: fmt.Sprintf("%s is required", fd.Label),
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func uploadErrorValue(fileName string, err error) string {
	if model.IsCode(err, model.ErrUploadTimeout) {
		return fmt.Sprintf("Erro: tempo esgotado ao enviar %s", fileName)
	}
	return fmt.Sprintf("Erro: falha ao enviar %s", fileName)
}
