package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/directory"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

type recordingMessenger struct {
	mu   sync.Mutex
	name string
	msgs []Message
	err  error
}

func (m *recordingMessenger) Name() string { return m.name }

func (m *recordingMessenger) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func (m *recordingMessenger) byKind(kind string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func testDirectory() *directory.StaticDirectory {
	return directory.NewStaticDirectoryFromUsers([]directory.Collaborator{
		{ID: "u-ana", Name: "Ana Souza", Email: "ana.souza@example.com"},
		{ID: "u-bruno", Name: "Bruno Lima", Email: "bruno.lima@example.com"},
		{ID: "u-carla", Name: "Carla Dias", Email: "carla.dias@example.com"},
	})
}

func testDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:         "compras",
		Name:       "Compra de material",
		OwnerEmail: "Ana.Souza@example.com",
		Statuses: []model.StatusDefinition{
			{ID: "new", Label: "Nova"},
			{ID: "approval", Label: "Em aprovação", Action: &model.ActionSpec{
				Type: model.ActionTypeApproval, Label: "Aprovação da diretoria",
			}},
			{ID: "done", Label: "Concluída"},
		},
		RoutingRules: []model.RoutingRule{
			{Field: "prioridade", Value: "Urgente", Notify: []string{"u-carla", "compras@example.com"}},
			{Field: "prioridade", Value: "baixa", Notify: []string{"u-bruno"}},
		},
	}
}

func testRequest() *model.WorkflowRequest {
	return &model.WorkflowRequest{
		ID:         "req-1",
		RequestID:  "0001",
		Type:       "Compra de material",
		Status:     "new",
		OwnerEmail: "Ana.Souza@example.com",
		SubmittedBy: model.Submitter{
			UserID: "u-bruno", UserName: "Bruno Lima", UserEmail: "bruno.lima@example.com",
		},
		FormData: map[string]any{"prioridade": "urgente"},
	}
}

func newTestDispatcher(t *testing.T, messengers ...Messenger) (*Dispatcher, *observability.Metrics) {
	t.Helper()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewDispatcher(testDirectory(), zap.NewNop(), metrics, time.Second, messengers...), metrics
}

func recipientIDs(msg Message) []string {
	ids := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		if r.UserID != "" {
			ids = append(ids, r.UserID)
		} else {
			ids = append(ids, r.Email)
		}
	}
	return ids
}

func TestDispatcher_RequestSubmitted(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	d.RequestSubmitted(context.Background(), testDefinition(), testRequest())
	d.Wait()

	submitted := rec.byKind(KindSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, []string{"u-bruno"}, recipientIDs(submitted[0]))
	assert.Contains(t, submitted[0].Title, "#0001")
	assert.Contains(t, submitted[0].Body, "Nova")

	owner := rec.byKind(KindNewRequest)
	require.Len(t, owner, 1)
	assert.Equal(t, []string{"u-ana"}, recipientIDs(owner[0]), "owner resolved by email case-insensitively")

	routed := rec.byKind(KindRouted)
	require.Len(t, routed, 1, "only the matching rule fires")
	assert.Equal(t, []string{"u-carla", "compras@example.com"}, recipientIDs(routed[0]))
}

func TestDispatcher_RoutingMatchesScalarValues(t *testing.T) {
	cases := map[string]struct {
		value any
		rules []model.RoutingRule
		want  []string
	}{
		"number": {
			value: float64(3),
			rules: []model.RoutingRule{{Field: "prioridade", Value: "3", Notify: []string{"u-carla"}}},
			want:  []string{"u-carla"},
		},
		"checkbox": {
			value: true,
			rules: []model.RoutingRule{{Field: "prioridade", Value: "True", Notify: []string{"compras@example.com"}}},
			want:  []string{"compras@example.com"},
		},
		"list": {
			value: []any{"urgente"},
			rules: []model.RoutingRule{{Field: "prioridade", Value: "urgente", Notify: []string{"u-carla"}}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recordingMessenger{name: "rec"}
			d, _ := newTestDispatcher(t, rec)

			def := testDefinition()
			def.RoutingRules = tc.rules
			req := testRequest()
			req.FormData = map[string]any{"prioridade": tc.value}
			d.RequestSubmitted(context.Background(), def, req)
			d.Wait()

			routed := rec.byKind(KindRouted)
			if tc.want == nil {
				assert.Empty(t, routed)
				return
			}
			require.Len(t, routed, 1)
			assert.Equal(t, tc.want, recipientIDs(routed[0]))
		})
	}
}

func TestDispatcher_AssignedNotifiesSubmitterAndAssignee(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	req := testRequest()
	req.Assignee = &model.Assignee{ID: "u-carla", Name: "Carla Dias"}
	d.Assigned(context.Background(), testDefinition(), req, model.Actor{ID: "u-ana", Name: "Ana Souza"}, "urgente")
	d.Wait()

	toSubmitter := rec.byKind(KindAssigned)
	require.Len(t, toSubmitter, 1)
	assert.Equal(t, []string{"u-bruno"}, recipientIDs(toSubmitter[0]))
	assert.Contains(t, toSubmitter[0].Body, "Carla Dias")

	toAssignee := rec.byKind(KindAssignedToYou)
	require.Len(t, toAssignee, 1)
	assert.Equal(t, []string{"u-carla"}, recipientIDs(toAssignee[0]))
	assert.Contains(t, toAssignee[0].Body, "urgente")
}

func TestDispatcher_ActionRequestedAndResolved(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	def := testDefinition()
	req := testRequest()
	req.Status = "approval"
	req.Assignee = &model.Assignee{ID: "u-carla", Name: "Carla Dias"}

	d.ActionRequested(context.Background(), def, req, model.Actor{ID: "u-carla", Name: "Carla Dias"}, []string{"u-ana", "u-ghost"})
	d.ActionResolved(context.Background(), def, req, model.Actor{ID: "u-ana", Name: "Ana Souza"}, model.ActionStatusApproved, "ok")
	d.Wait()

	requested := rec.byKind(KindActionRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, []string{"u-ana", "u-ghost"}, recipientIDs(requested[0]))
	assert.Contains(t, requested[0].Title, "Aprovação da diretoria")

	resolved := rec.byKind(KindActionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, []string{"u-ana", "u-carla"}, recipientIDs(resolved[0]))
	assert.Contains(t, resolved[0].Body, "Aprovado")
	assert.Contains(t, resolved[0].Body, "ok")
}

func TestDispatcher_DedupesRecipients(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	req := testRequest()
	req.Status = "approval"
	req.Assignee = &model.Assignee{ID: "u-ana", Name: "Ana Souza"}
	d.ActionResolved(context.Background(), testDefinition(), req, model.Actor{ID: "u-ana"}, model.ActionStatusRejected, "")
	d.Wait()

	resolved := rec.byKind(KindActionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, []string{"u-ana"}, recipientIDs(resolved[0]))
}

func TestDispatcher_FailuresAreSwallowedAndCounted(t *testing.T) {
	bad := &recordingMessenger{name: "bad", err: errors.New("gateway down")}
	good := &recordingMessenger{name: "good"}
	d, metrics := newTestDispatcher(t, bad, good)

	d.CommentAdded(context.Background(), testRequest(), model.Actor{ID: "u-ana", Name: "Ana Souza"}, "olá")
	d.Wait()

	assert.Len(t, good.byKind(KindCommented), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsFailedTotal.WithLabelValues("bad")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsSentTotal.WithLabelValues("good")))
}

func TestDispatcher_DeliveryOutlivesCallerContext(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.StatusChanged(ctx, testDefinition(), testRequest(), model.Actor{Name: "Ana Souza"}, "")
	d.Wait()

	assert.Len(t, rec.byKind(KindStatusChanged), 1)
}

func TestDispatcher_OverdueRequiresDueDate(t *testing.T) {
	rec := &recordingMessenger{name: "rec"}
	d, _ := newTestDispatcher(t, rec)

	req := testRequest()
	d.Overdue(context.Background(), testDefinition(), req)

	due := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	req.DueAt = &due
	d.Overdue(context.Background(), testDefinition(), req)
	d.Wait()

	overdue := rec.byKind(KindOverdue)
	require.Len(t, overdue, 1)
	assert.Contains(t, overdue[0].Body, "02/03/2026")
}
