package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/idempotency"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/upload"
	"github.com/pitabwire/intraflow/internal/workflow"
	"github.com/pitabwire/intraflow/model"
)

// RequestReader serves request reads. The push-refreshed workflow.Cache
// satisfies it.
type RequestReader interface {
	Get(id string) (*model.WorkflowRequest, bool)
	List(filters model.RequestFilters) []*model.WorkflowRequest
}

// filePayload is a base64-encoded attachment.
type filePayload struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

func (p *filePayload) decode(field string) (*upload.File, error) {
	if p == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, model.NewFieldError(field, "INVALID_FILE", "file data must be base64")
	}
	if p.FileName == "" {
		return nil, model.NewFieldError(field, "REQUIRED", "file name is required")
	}
	return &upload.File{Name: p.FileName, ContentType: p.ContentType, Data: data}, nil
}

type submitBody struct {
	Type   string `json:"type"`
	Fields []struct {
		ID    string       `json:"id"`
		Type  string       `json:"type"`
		Value any          `json:"value"`
		File  *filePayload `json:"file,omitempty"`
	} `json:"fields"`
}

func handleSubmit(engine *workflow.Engine, idem idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		raw, err := readBody(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body submitBody
		if err := decodeBody(raw, &body); err != nil {
			WriteError(w, err)
			return
		}
		if !requireFields(w, "type", body.Type) {
			return
		}

		fields := make([]workflow.FieldInput, 0, len(body.Fields))
		for _, f := range body.Fields {
			file, err := f.File.decode(f.ID)
			if err != nil {
				WriteError(w, err)
				return
			}
			fields = append(fields, workflow.FieldInput{ID: f.ID, Type: f.Type, Value: f.Value, File: file})
		}

		var storeKey, hash string
		if key := r.Header.Get("X-Idempotency-Key"); key != "" && idem != nil {
			storeKey = idempotency.FormatKey(caller.SubjectID, key)
			hash = idempotency.HashInput(raw)
			res, reserved, err := idem.Reserve(r.Context(), storeKey, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if !reserved {
				req, err := engine.Get(r.Context(), res.ID)
				if err != nil {
					WriteError(w, err)
					return
				}
				if metrics != nil {
					metrics.RecordIdempotentReplay()
				}
				w.Header().Set("Idempotent-Replayed", "true")
				WriteJSON(w, http.StatusOK, req)
				return
			}
		}

		req, err := engine.Submit(r.Context(), body.Type, caller.SubjectID, fields)
		if err != nil {
			if storeKey != "" {
				if rerr := idem.Release(context.WithoutCancel(r.Context()), storeKey); rerr != nil {
					observability.LoggerFrom(r.Context(), logger).Warn("idempotency release failed", zap.Error(rerr))
				}
			}
			WriteError(w, err)
			return
		}

		if storeKey != "" {
			result := idempotency.Result{ID: req.ID, RequestID: req.RequestID}
			if err := idem.Save(context.WithoutCancel(r.Context()), storeKey, hash, result, ttl); err != nil {
				observability.LoggerFrom(r.Context(), logger).Warn("idempotency save failed",
					zap.String("request_id", req.RequestID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleListRequests(reader RequestReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filters := model.RequestFilters{
			Type:       q.Get("type"),
			Status:     q.Get("status"),
			AssigneeID: q.Get("assignee"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}
		if filters.AssigneeID == "me" {
			filters.AssigneeID = caller.SubjectID
		}
		if v := q.Get("archived"); v != "" && v != "all" {
			archived, err := strconv.ParseBool(v)
			if err != nil {
				WriteError(w, model.NewFieldError("archived", "INVALID_VALUE", "archived must be true, false or all"))
				return
			}
			filters.Archived = &archived
		} else if v == "" {
			archived := false
			filters.Archived = &archived
		}

		requests := reader.List(filters)
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   requests,
			"count":  len(requests),
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleGetRequest(reader RequestReader, engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := readRequest(r.Context(), reader, engine, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleNextStatus(reader RequestReader, engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := readRequest(r.Context(), reader, engine, chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		next, err := engine.NextStatus(req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"current":  req.Status,
			"next":     next,
			"terminal": next == nil,
		})
	}
}

func handleTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		var body struct {
			TargetStatus string `json:"targetStatus"`
			Note         string `json:"note"`
		}
		if !bind(w, r, &body) {
			return
		}
		if !requireFields(w, "targetStatus", body.TargetStatus) {
			return
		}

		req, err := engine.Transition(r.Context(), chi.URLParam(r, "id"), body.TargetStatus, caller.SubjectID, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleAssign(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		var body struct {
			AssigneeID string `json:"assigneeId"`
			Note       string `json:"note"`
		}
		if !bind(w, r, &body) {
			return
		}
		if !requireFields(w, "assigneeId", body.AssigneeID) {
			return
		}

		res, err := engine.Assign(r.Context(), chi.URLParam(r, "id"), body.AssigneeID, caller.SubjectID, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleAddComment(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		var body struct {
			Text string `json:"text"`
		}
		if !bind(w, r, &body) {
			return
		}

		req, err := engine.AddComment(r.Context(), chi.URLParam(r, "id"), caller.SubjectID, body.Text)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, req)
	}
}

func handleArchive(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		req, err := engine.Archive(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			observability.LoggerFrom(r.Context(), logger).Info("request archived",
				zap.String("request_id", req.RequestID),
				zap.String("archived_by", rctx.SubjectID),
			)
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

func handleMarkViewed(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}

		req, err := engine.MarkViewed(r.Context(), chi.URLParam(r, "id"), caller.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, req)
	}
}

// readRequest serves from the cache and falls back to the store for
// requests the change feed has not delivered yet.
func readRequest(ctx context.Context, reader RequestReader, engine *workflow.Engine, id string) (*model.WorkflowRequest, error) {
	if reader != nil {
		if req, ok := reader.Get(id); ok {
			return req, nil
		}
	}
	return engine.Get(ctx, id)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
