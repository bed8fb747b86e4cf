package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/directory"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

// DefaultSendTimeout bounds one delivery on one channel.
const DefaultSendTimeout = 15 * time.Second

// Dispatcher builds notification messages for request events and hands
// them to every configured Messenger in the background.
type Dispatcher struct {
	messengers []Messenger
	dir        directory.Directory
	logger     *zap.Logger
	metrics    *observability.Metrics
	timeout    time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(dir directory.Directory, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration, messengers ...Messenger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		messengers: messengers,
		dir:        dir,
		logger:     logger,
		metrics:    metrics,
		timeout:    timeout,
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RequestSubmitted notifies the submitter, the definition owner and every
// routing-rule recipient whose rule matches the form data.
func (d *Dispatcher) RequestSubmitted(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest) {
	d.dispatch(ctx, req, KindSubmitted,
		fmt.Sprintf("Solicitação #%s enviada", req.RequestID),
		fmt.Sprintf("Sua solicitação de %s foi registrada e está em \"%s\".", req.Type, def.StatusLabel(req.Status)),
		submitter(req),
	)
	d.dispatch(ctx, req, KindNewRequest,
		fmt.Sprintf("Nova solicitação #%s", req.RequestID),
		fmt.Sprintf("%s abriu uma solicitação de %s.", req.SubmittedBy.UserName, req.Type),
		d.resolveEmail(req.OwnerEmail),
	)

	for _, rule := range def.RoutingRules {
		if !model.MatchesValue(req.FormData[rule.Field], rule.Value) {
			continue
		}
		recipients := make([]Recipient, 0, len(rule.Notify))
		for _, ref := range rule.Notify {
			recipients = append(recipients, d.resolveRef(ref))
		}
		d.dispatch(ctx, req, KindRouted,
			fmt.Sprintf("Solicitação #%s requer sua atenção", req.RequestID),
			fmt.Sprintf("%s abriu uma solicitação de %s com %s = %s.", req.SubmittedBy.UserName, req.Type, rule.Field, rule.Value),
			recipients...,
		)
	}
}

// StatusChanged tells the submitter about the new stage.
func (d *Dispatcher) StatusChanged(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, note string) {
	body := fmt.Sprintf("O status foi alterado para \"%s\" por %s.", def.StatusLabel(req.Status), actor.Name)
	if note != "" {
		body += " Observação: " + note
	}
	d.dispatch(ctx, req, KindStatusChanged,
		fmt.Sprintf("Solicitação #%s atualizada", req.RequestID),
		body,
		submitter(req),
	)
}

// Assigned informs the submitter and hands the task to the new assignee.
func (d *Dispatcher) Assigned(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, note string) {
	if req.Assignee == nil {
		return
	}
	d.dispatch(ctx, req, KindAssigned,
		fmt.Sprintf("Solicitação #%s atribuída", req.RequestID),
		fmt.Sprintf("Sua solicitação foi atribuída a %s.", req.Assignee.Name),
		submitter(req),
	)

	body := fmt.Sprintf("%s atribuiu a você a solicitação de %s (etapa \"%s\").", actor.Name, req.Type, def.StatusLabel(req.Status))
	if note != "" {
		body += " Observação: " + note
	}
	d.dispatch(ctx, req, KindAssignedToYou,
		fmt.Sprintf("Nova tarefa: solicitação #%s", req.RequestID),
		body,
		d.resolveUser(req.Assignee.ID),
	)
}

// CommentAdded tells the submitter about a new comment.
func (d *Dispatcher) CommentAdded(ctx context.Context, req *model.WorkflowRequest, actor model.Actor, text string) {
	d.dispatch(ctx, req, KindCommented,
		fmt.Sprintf("Novo comentário na solicitação #%s", req.RequestID),
		fmt.Sprintf("%s: %s", actor.Name, text),
		submitter(req),
	)
}

// ActionRequested asks each new recipient to act on the current stage.
func (d *Dispatcher) ActionRequested(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, actor model.Actor, recipientIDs []string) {
	label := actionLabel(def, req.Status)
	recipients := make([]Recipient, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		recipients = append(recipients, d.resolveUser(id))
	}
	d.dispatch(ctx, req, KindActionRequested,
		fmt.Sprintf("Ação necessária: %s", label),
		fmt.Sprintf("%s solicitou sua ação (%s) na solicitação #%s de %s.", actor.Name, label, req.RequestID, req.Type),
		recipients...,
	)
}

// ActionResolved tells the assignee and the owner that a user responded.
func (d *Dispatcher) ActionResolved(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest, responder model.Actor, response, comment string) {
	body := fmt.Sprintf("%s respondeu \"%s\" em \"%s\".", responder.Name, model.ResponseLabel(response), actionLabel(def, req.Status))
	if comment != "" {
		body += " Comentário: " + comment
	}
	recipients := []Recipient{d.resolveEmail(req.OwnerEmail)}
	if req.Assignee != nil {
		recipients = append(recipients, d.resolveUser(req.Assignee.ID))
	}
	d.dispatch(ctx, req, KindActionResolved,
		fmt.Sprintf("Ação respondida na solicitação #%s", req.RequestID),
		body,
		recipients...,
	)
}

// Overdue warns the owner and the assignee that the SLA has passed.
func (d *Dispatcher) Overdue(ctx context.Context, def model.WorkflowDefinition, req *model.WorkflowRequest) {
	if req.DueAt == nil {
		return
	}
	recipients := []Recipient{d.resolveEmail(req.OwnerEmail)}
	if req.Assignee != nil {
		recipients = append(recipients, d.resolveUser(req.Assignee.ID))
	}
	d.dispatch(ctx, req, KindOverdue,
		fmt.Sprintf("Solicitação #%s em atraso", req.RequestID),
		fmt.Sprintf("O prazo da solicitação de %s venceu em %s (etapa \"%s\").",
			req.Type, req.DueAt.Format("02/01/2006"), def.StatusLabel(req.Status)),
		recipients...,
	)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *model.WorkflowRequest, kind, title, body string, recipients ...Recipient) {
	recipients = dedupe(recipients)
	if len(recipients) == 0 || len(d.messengers) == 0 {
		return
	}

	msg := Message{
		ID:         uuid.New().String(),
		Kind:       kind,
		Recipients: recipients,
		Title:      title,
		Body:       body,
		RequestID:  req.ID,
		DisplayID:  req.RequestID,
		CreatedAt:  time.Now().UTC(),
	}

	// Deliveries outlive the triggering call.
	base := context.WithoutCancel(ctx)
	for _, m := range d.messengers {
		d.wg.Add(1)
		go func(m Messenger) {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()

			err := m.Send(sendCtx, msg)
			if d.metrics != nil {
				d.metrics.RecordNotification(m.Name(), err == nil)
			}
			if err != nil {
				d.logger.Warn("notification delivery failed",
					zap.String("channel", m.Name()),
					zap.String("kind", msg.Kind),
					zap.String("request_id", msg.DisplayID),
					zap.Int("recipients", len(msg.Recipients)),
					zap.Error(err),
				)
			}
		}(m)
	}
}

func (d *Dispatcher) resolveUser(id string) Recipient {
	if c, ok := d.dir.ByID(id); ok {
		return Recipient{UserID: c.ID, Email: c.Email, Name: c.Name}
	}
	return Recipient{UserID: id}
}

func (d *Dispatcher) resolveEmail(email string) Recipient {
	email = strings.TrimSpace(email)
	if email == "" {
		return Recipient{}
	}
	if c, ok := d.dir.ByEmail(email); ok {
		return Recipient{UserID: c.ID, Email: c.Email, Name: c.Name}
	}
	return Recipient{Email: email}
}

func (d *Dispatcher) resolveRef(ref string) Recipient {
	if strings.Contains(ref, "@") {
		return d.resolveEmail(ref)
	}
	return d.resolveUser(ref)
}

func submitter(req *model.WorkflowRequest) Recipient {
	return Recipient{
		UserID: req.SubmittedBy.UserID,
		Email:  req.SubmittedBy.UserEmail,
		Name:   req.SubmittedBy.UserName,
	}
}

func actionLabel(def model.WorkflowDefinition, status string) string {
	if s, ok := def.Status(status); ok && s.Action != nil && s.Action.Label != "" {
		return s.Action.Label
	}
	return def.StatusLabel(status)
}

// dedupe drops empty recipients and repeats, keeping first occurrences.
func dedupe(in []Recipient) []Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		if r.UserID == "" && r.Email == "" {
			continue
		}
		k := r.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
