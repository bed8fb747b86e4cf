package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/internal/definition"
	"github.com/pitabwire/intraflow/internal/directory"
	"github.com/pitabwire/intraflow/internal/idempotency"
	"github.com/pitabwire/intraflow/internal/notify"
	"github.com/pitabwire/intraflow/internal/sequence"
	"github.com/pitabwire/intraflow/internal/upload"
	"github.com/pitabwire/intraflow/internal/workflow"
	"github.com/pitabwire/intraflow/model"
)

const (
	typeCompras = "Compra de material"
	typeFerias  = "Férias"

	ownerID     = "u-ana"
	submitterID = "u-bruno"
	approverID  = "u-carla"
	otherID     = "u-dora"
)

// --- Test helpers ---

func testDefinitionFiles() []model.DefinitionFile {
	return []model.DefinitionFile{{Workflows: []model.WorkflowDefinition{
		{
			ID:         "compras",
			Name:       typeCompras,
			OwnerEmail: "ana.souza@example.com",
			Fields: []model.FieldDefinition{
				{ID: "item", Label: "Item", Type: model.FieldTypeText, Required: true},
				{ID: "orcamento", Label: "Orçamento", Type: model.FieldTypeFile},
			},
			Statuses: []model.StatusDefinition{
				{ID: "new", Label: "Nova"},
				{ID: "approval", Label: "Em aprovação", Action: &model.ActionSpec{
					Type: model.ActionTypeApproval, Label: "Aprovação", ApproverIDs: []string{approverID},
				}},
				{ID: "done", Label: "Concluída"},
			},
			DefaultSLADays: 5,
		},
		{
			ID:             "ferias",
			Name:           typeFerias,
			OwnerEmail:     "ana.souza@example.com",
			AllowedUserIDs: []string{approverID},
			Statuses:       []model.StatusDefinition{{ID: "pending", Label: "Pendente"}, {ID: "closed", Label: "Encerrada"}},
		},
	}}}
}

func testDirectory() *directory.StaticDirectory {
	return directory.NewStaticDirectoryFromUsers([]directory.Collaborator{
		{ID: ownerID, Name: "Ana Souza", Email: "ana.souza@example.com"},
		{ID: submitterID, Name: "Bruno Lima", Email: "bruno.lima@example.com"},
		{ID: approverID, Name: "Carla Dias", Email: "carla.dias@example.com"},
		{ID: otherID, Name: "Dora Reis", Email: "dora.reis@example.com"},
	})
}

// headerAuth trusts X-Test-User as the subject. It stands in for the JWT
// middleware.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
			return
		}
		claims := map[string]any{"sub": user, "email": user + "@example.com"}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type testServer struct {
	handler    http.Handler
	engine     *workflow.Engine
	cache      *workflow.Cache
	inbox      *notify.InAppMessenger
	dispatcher *notify.Dispatcher
	idem       *idempotency.MemoryStore
	logs       *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	observed, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), observed))
	dir := testDirectory()
	registry := definition.NewRegistry(testDefinitionFiles())
	store := workflow.NewMemoryRequestStore()
	inbox := notify.NewInAppMessenger(0)
	dispatcher := notify.NewDispatcher(dir, logger, nil, time.Second, inbox)

	engine := workflow.NewEngine(workflow.Dependencies{
		Definitions: registry,
		Store:       store,
		IDs:         sequence.NewAllocator(sequence.NewMemoryCounter(), "requests", sequence.DefaultWidth),
		Directory:   dir,
		Uploader:    upload.NewUploader(upload.NewMemoryStore(), time.Second, logger, nil),
		Notifier:    dispatcher,
		Logger:      logger,
	}, workflow.Options{})

	cache := workflow.NewCache(store, registry, logger, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go cache.Run(ctx)
	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})
	require.Eventually(t, cache.Ready, time.Second, 5*time.Millisecond)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	idem := idempotency.NewMemoryStore()

	handler := NewRouter(Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: headerAuth,
		Engine:       engine,
		Cache:        cache,
		Definitions:  registry,
		Inbox:        inbox,
		Idempotency:  idem,
	})
	return &testServer{handler: handler, engine: engine, cache: cache, inbox: inbox, dispatcher: dispatcher, idem: idem, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) submit(t *testing.T) *model.WorkflowRequest {
	t.Helper()
	w := s.do(t, "POST", "/api/requests", submitterID, submitPayload("papel A4"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeRequest(t, w)
}

func submitPayload(item string) map[string]any {
	return map[string]any{
		"type":   typeCompras,
		"fields": []map[string]any{{"id": "item", "type": "text", "value": item}},
	}
}

func decodeRequest(t *testing.T, w *httptest.ResponseRecorder) *model.WorkflowRequest {
	t.Helper()
	var req model.WorkflowRequest
	require.NoError(t, json.NewDecoder(w.Body).Decode(&req))
	return &req
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error.Code
}

// --- Submit ---

func TestHandleSubmit_createsRequest(t *testing.T) {
	s := newTestServer(t)

	req := s.submit(t)
	assert.Equal(t, "0001", req.RequestID)
	assert.Equal(t, "new", req.Status)
	assert.Equal(t, submitterID, req.SubmittedBy.UserID)
	require.Len(t, req.History, 1)
	assert.Equal(t, workflow.CreatedNote, req.History[0].Notes)
	assert.NotNil(t, req.DueAt)
}

func TestHandleSubmit_errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		code   string
	}{
		{"unknown type", submitterID, map[string]any{"type": "Reembolso"}, 500, model.ErrConfiguration},
		{"missing type", submitterID, map[string]any{"fields": []any{}}, 422, model.ErrValidationError},
		{"not in directory", "u-zeca", submitPayload("caneta"), 403, model.ErrAuthResolution},
		{"not allowed", submitterID, map[string]any{"type": typeFerias}, 403, model.ErrForbidden},
		{"required field", submitterID, map[string]any{"type": typeCompras}, 422, model.ErrValidationError},
		{"bad file", submitterID, map[string]any{
			"type": typeCompras,
			"fields": []map[string]any{
				{"id": "item", "value": "mesa"},
				{"id": "orcamento", "type": "file", "file": map[string]any{"fileName": "o.pdf", "data": "%%%"}},
			},
		}, 422, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "POST", "/api/requests", tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestHandleSubmit_invalidJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/requests", strings.NewReader("{"))
	req.Header.Set("X-Test-User", submitterID)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmit_fileField(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/requests", submitterID, map[string]any{
		"type": typeCompras,
		"fields": []map[string]any{
			{"id": "item", "value": "cadeira"},
			{"id": "orcamento", "type": "file", "file": map[string]any{
				"fileName":    "orcamento.pdf",
				"contentType": "application/pdf",
				"data":        base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
			}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req := decodeRequest(t, w)
	file, ok := req.FormData["orcamento"].(map[string]any)
	require.True(t, ok, "orcamento = %v", req.FormData["orcamento"])
	assert.Equal(t, "orcamento.pdf", file["fileName"])
	assert.NotEmpty(t, file["url"])
}

func TestHandleSubmit_idempotencyKey(t *testing.T) {
	s := newTestServer(t)

	first := s.do(t, "POST", "/api/requests", submitterID, submitPayload("toner"), "X-Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code)
	created := decodeRequest(t, first)

	replay := s.do(t, "POST", "/api/requests", submitterID, submitPayload("toner"), "X-Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, created.ID, decodeRequest(t, replay).ID)

	conflict := s.do(t, "POST", "/api/requests", submitterID, submitPayload("grampos"), "X-Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)

	// Keys are scoped per user.
	other := s.do(t, "POST", "/api/requests", ownerID, submitPayload("toner"), "X-Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, "0002", decodeRequest(t, other).RequestID)
	assert.Equal(t, 2, s.idem.Len())
}

func TestHandleSubmit_idempotencyKeyReleasedOnFailure(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/requests", submitterID, map[string]any{"type": typeCompras}, "X-Idempotency-Key", "k-1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 0, s.idem.Len())

	w = s.do(t, "POST", "/api/requests", submitterID, submitPayload("toner"), "X-Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleSubmit_idempotencyKeyInFlight(t *testing.T) {
	s := newTestServer(t)
	raw, err := json.Marshal(submitPayload("toner"))
	require.NoError(t, err)
	key := idempotency.FormatKey(submitterID, "k-1")
	_, reserved, err := s.idem.Reserve(context.Background(), key, idempotency.HashInput(raw))
	require.NoError(t, err)
	require.True(t, reserved)

	w := s.do(t, "POST", "/api/requests", submitterID, submitPayload("toner"), "X-Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrConflict, errorCode(t, w))
}

func TestHandleSubmit_concurrentSameKeyCreatesOnce(t *testing.T) {
	s := newTestServer(t)
	raw, err := json.Marshal(submitPayload("toner"))
	require.NoError(t, err)

	codes := make([]int, 8)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Go(func() {
			req := httptest.NewRequest("POST", "/api/requests", bytes.NewReader(raw))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Test-User", submitterID)
			req.Header.Set("X-Idempotency-Key", "k-1")
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, req)
			codes[i] = w.Code
		})
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusOK, http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.Equal(t, 1, created)

	list, err := s.engine.List(context.Background(), model.RequestFilters{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- Reads ---

func TestHandleGetRequest(t *testing.T) {
	s := newTestServer(t)
	created := s.submit(t)

	w := s.do(t, "GET", "/api/requests/"+created.ID, otherID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.RequestID, decodeRequest(t, w).RequestID)

	w = s.do(t, "GET", "/api/requests/missing", otherID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListRequests(t *testing.T) {
	s := newTestServer(t)
	first := s.submit(t)
	s.submit(t)
	require.Eventually(t, func() bool { return s.cache.Len() == 2 }, time.Second, 5*time.Millisecond)

	_, err := s.engine.Transition(context.Background(), first.ID, "approval", ownerID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, ok := s.cache.Get(first.ID)
		return ok && r.Status == "approval"
	}, time.Second, 5*time.Millisecond)

	var resp struct {
		Data  []model.WorkflowRequest `json:"data"`
		Count int                     `json:"count"`
	}
	w := s.do(t, "GET", "/api/requests", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "0002", resp.Data[0].RequestID, "newest first")

	w = s.do(t, "GET", "/api/requests?status=approval", ownerID, nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, first.ID, resp.Data[0].ID)

	w = s.do(t, "GET", "/api/requests?archived=maybe", ownerID, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleListRequests_hidesArchivedByDefault(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)

	w := s.do(t, "POST", "/api/requests/"+req.ID+"/archive", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeRequest(t, w).IsArchived)
	require.Eventually(t, func() bool {
		r, ok := s.cache.Get(req.ID)
		return ok && r.IsArchived
	}, time.Second, 5*time.Millisecond)

	var resp struct {
		Count int `json:"count"`
	}
	w = s.do(t, "GET", "/api/requests", ownerID, nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Count)

	w = s.do(t, "GET", "/api/requests?archived=all", ownerID, nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
}

func TestHandleNextStatus(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)

	var resp struct {
		Current  string                  `json:"current"`
		Next     *model.StatusDefinition `json:"next"`
		Terminal bool                    `json:"terminal"`
	}
	w := s.do(t, "GET", "/api/requests/"+req.ID+"/next", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Next)
	assert.Equal(t, "approval", resp.Next.ID)
	assert.False(t, resp.Terminal)

	_, err := s.engine.Transition(context.Background(), req.ID, "done", ownerID, "")
	require.NoError(t, err)

	w = s.do(t, "GET", "/api/requests/"+req.ID+"/next", ownerID, nil)
	resp.Next = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Nil(t, resp.Next)
	assert.True(t, resp.Terminal)
}

// --- Mutations ---

func TestHandleTransition(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)
	path := "/api/requests/" + req.ID + "/transition"

	w := s.do(t, "POST", path, otherID, map[string]string{"targetStatus": "approval"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "POST", path, ownerID, map[string]string{"targetStatus": "approval", "note": "ok"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeRequest(t, w)
	assert.Equal(t, "approval", got.Status)
	assert.Equal(t, "ok", got.History[len(got.History)-1].Notes)

	w = s.do(t, "POST", path, ownerID, map[string]string{"targetStatus": "new"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrInvalidTransition, errorCode(t, w))

	w = s.do(t, "POST", path, ownerID, map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleAssign(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)
	path := "/api/requests/" + req.ID + "/assign"

	var res workflow.AssignResult
	w := s.do(t, "POST", path, ownerID, map[string]string{"assigneeId": approverID})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Changed)
	assert.Equal(t, approverID, res.Request.Assignee.ID)

	w = s.do(t, "POST", path, approverID, map[string]string{"assigneeId": approverID})
	require.Equal(t, http.StatusOK, w.Code)
	res = workflow.AssignResult{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.Changed)
	assert.NotEmpty(t, res.Warning)

	w = s.do(t, "POST", path, ownerID, map[string]string{"assigneeId": "u-zeca"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleAddComment(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)
	path := "/api/requests/" + req.ID + "/comments"

	w := s.do(t, "POST", path, ownerID, map[string]string{"text": "  falta cotação  "})
	require.Equal(t, http.StatusCreated, w.Code)
	got := decodeRequest(t, w)
	assert.Equal(t, "falta cotação", got.History[len(got.History)-1].Notes)

	w = s.do(t, "POST", path, ownerID, map[string]string{"text": "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "POST", path, submitterID, map[string]string{"text": "oi"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleArchive_blocksWrites(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)

	for i := 0; i < 2; i++ {
		w := s.do(t, "POST", "/api/requests/"+req.ID+"/archive", ownerID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeRequest(t, w).History, 1)
	}

	w := s.do(t, "POST", "/api/requests/"+req.ID+"/transition", ownerID, map[string]string{"targetStatus": "approval"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrRequestArchived, errorCode(t, w))
}

func TestHandleArchive_logsWhoArchived(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)

	w := s.do(t, "POST", "/api/requests/"+req.ID+"/archive", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	entries := s.logs.FilterMessage("request archived").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, ownerID, fields["archived_by"])
	assert.Equal(t, req.RequestID, fields["request_id"])
}

func TestHandleMarkViewed(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)

	w := s.do(t, "POST", "/api/requests/"+req.ID+"/viewed", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{ownerID}, decodeRequest(t, w).ViewedBy)
}

// --- Actions ---

func TestHandleActions_approvalFlow(t *testing.T) {
	s := newTestServer(t)
	req := s.submit(t)
	base := "/api/requests/" + req.ID

	w := s.do(t, "POST", base+"/actions", ownerID, map[string]any{"recipientIds": []string{}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "initial stage has no action")

	w = s.do(t, "POST", base+"/transition", ownerID, map[string]string{"targetStatus": "approval"})
	require.Equal(t, http.StatusOK, w.Code)

	var opened workflow.OpenResult
	w = s.do(t, "POST", base+"/actions", ownerID, map[string]any{"recipientIds": []string{}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NoError(t, json.NewDecoder(w.Body).Decode(&opened))
	assert.Equal(t, []string{approverID}, opened.Added)

	w = s.do(t, "POST", base+"/actions", ownerID, map[string]any{"recipientIds": []string{approverID}})
	require.Equal(t, http.StatusOK, w.Code)
	opened = workflow.OpenResult{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&opened))
	assert.True(t, opened.NoOp)

	require.Eventually(t, func() bool { return s.cache.HasNewAssignedTasks(approverID) }, time.Second, 5*time.Millisecond)
	var tasks map[string]bool
	w = s.do(t, "GET", "/api/me/tasks", approverID, nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	assert.True(t, tasks["hasNewAssignedTasks"])

	w = s.do(t, "POST", base+"/actions/respond", otherID, map[string]string{"response": model.ActionStatusApproved})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrActionNotPending, errorCode(t, w))

	w = s.do(t, "POST", base+"/actions/respond", approverID, map[string]string{"response": model.ActionStatusExecuted})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "POST", base+"/actions/respond", approverID, map[string]any{
		"response": model.ActionStatusApproved,
		"comment":  "de acordo",
		"attachment": map[string]string{
			"fileName": "parecer.pdf",
			"data":     base64.StdEncoding.EncodeToString([]byte("ok")),
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeRequest(t, w)
	// created, transition, open, respond
	assert.Len(t, got.History, 4)
	records := got.ActionRequests["approval"]
	require.Len(t, records, 1)
	assert.Equal(t, model.ActionStatusApproved, records[0].Status)
	assert.Equal(t, "parecer.pdf", records[0].AttachmentName)

	require.Eventually(t, func() bool { return !s.cache.HasNewAssignedTasks(approverID) }, time.Second, 5*time.Millisecond)
}

// --- Notifications & definitions ---

func TestHandleNotifications(t *testing.T) {
	s := newTestServer(t)
	s.submit(t)
	s.dispatcher.Wait()

	var resp struct {
		Data  []notify.Message `json:"data"`
		Count int              `json:"count"`
	}
	w := s.do(t, "GET", "/api/notifications", ownerID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, notify.KindNewRequest, resp.Data[0].Kind)
	assert.Equal(t, "0001", resp.Data[0].DisplayID)

	w = s.do(t, "GET", "/api/notifications", otherID, nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Count)
}

func TestHandleDefinitions(t *testing.T) {
	s := newTestServer(t)

	var list struct {
		Data []definitionSummary `json:"data"`
	}
	w := s.do(t, "GET", "/api/definitions", submitterID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, typeCompras, list.Data[0].Name)
	assert.True(t, list.Data[0].CanSubmit)
	assert.False(t, list.Data[1].CanSubmit)

	w = s.do(t, "GET", "/api/definitions/"+url.PathEscape(typeCompras), submitterID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/definitions/"+list.Data[0].ID, submitterID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/api/definitions/Reembolso", submitterID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Stream ---

func TestHandleStream_deliversChanges(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/requests/stream?type="+url.QueryEscape(typeCompras), nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", ownerID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	created := s.submit(t)

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	require.Equal(t, workflow.ChangeCreated, event)

	var got model.WorkflowRequest
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, created.ID, got.ID)
}
