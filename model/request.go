package model

import (
	"slices"
	"strings"
	"time"
)

// Action record status constants.
const (
	ActionStatusPending      = "pending"
	ActionStatusApproved     = "approved"
	ActionStatusRejected     = "rejected"
	ActionStatusAcknowledged = "acknowledged"
	ActionStatusExecuted     = "executed"
)

// WorkflowRequest is one running occurrence of a workflow definition.
// Type holds the definition name and is resolved by lookup, not by reference.
type WorkflowRequest struct {
	ID             string                     `json:"id"`
	RequestID      string                     `json:"requestId"`
	Type           string                     `json:"type"`
	Status         string                     `json:"status"`
	OwnerEmail     string                     `json:"ownerEmail"`
	SubmittedBy    Submitter                  `json:"submittedBy"`
	SubmittedAt    time.Time                  `json:"submittedAt"`
	LastUpdatedAt  time.Time                  `json:"lastUpdatedAt"`
	FormData       map[string]any             `json:"formData"`
	History        []HistoryEntry             `json:"history"`
	Assignee       *Assignee                  `json:"assignee,omitempty"`
	ViewedBy       []string                   `json:"viewedBy"`
	IsArchived     bool                       `json:"isArchived"`
	ActionRequests map[string][]ActionRequest `json:"actionRequests,omitempty"`
	DueAt          *time.Time                 `json:"dueAt,omitempty"`
}

// Submitter identifies the collaborator who created a request.
type Submitter struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

// Assignee is the single user currently driving a request forward.
type Assignee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HistoryEntry is one immutable line of the audit trail.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Notes     string    `json:"notes"`
}

// ActionRequest is the per-user action record for one stage.
type ActionRequest struct {
	UserID         string     `json:"userId"`
	UserName       string     `json:"userName"`
	Status         string     `json:"status"`
	RequestedAt    time.Time  `json:"requestedAt"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	AttachmentURL  string     `json:"attachmentUrl,omitempty"`
	AttachmentName string     `json:"attachmentName,omitempty"`
}

// RequestFilters narrows request listings.
type RequestFilters struct {
	Type       string
	Status     string
	AssigneeID string
	// Archived nil means "both".
	Archived *bool
	Limit    int
	Offset   int
}

// Match reports whether r passes the filters. Paging is not applied.
func (f RequestFilters) Match(r *WorkflowRequest) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.AssigneeID != "" && (r.Assignee == nil || r.Assignee.ID != f.AssigneeID) {
		return false
	}
	if f.Archived != nil && r.IsArchived != *f.Archived {
		return false
	}
	return true
}

// IsOwner reports whether email matches the request owner, ignoring case.
func (r *WorkflowRequest) IsOwner(email string) bool {
	return email != "" && strings.EqualFold(strings.TrimSpace(r.OwnerEmail), strings.TrimSpace(email))
}

// IsAssignee reports whether userID is the current assignee.
func (r *WorkflowRequest) IsAssignee(userID string) bool {
	return r.Assignee != nil && userID != "" && r.Assignee.ID == userID
}

// CurrentActions returns the action records of the current stage.
func (r *WorkflowRequest) CurrentActions() []ActionRequest {
	if r.ActionRequests == nil {
		return nil
	}
	return r.ActionRequests[r.Status]
}

// PendingActionFor returns the index of userID's pending record at the
// current stage, or -1.
func (r *WorkflowRequest) PendingActionFor(userID string) int {
	for i, ar := range r.CurrentActions() {
		if ar.UserID == userID && ar.Status == ActionStatusPending {
			return i
		}
	}
	return -1
}

// HasViewed reports whether adminID is in the viewedBy set.
func (r *WorkflowRequest) HasViewed(adminID string) bool {
	return slices.Contains(r.ViewedBy, adminID)
}

// Clone returns a deep copy so callers can mutate without touching shared
// cache or store state.
func (r *WorkflowRequest) Clone() *WorkflowRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.FormData != nil {
		c.FormData = make(map[string]any, len(r.FormData))
		for k, v := range r.FormData {
			c.FormData[k] = v
		}
	}
	c.History = slices.Clone(r.History)
	c.ViewedBy = slices.Clone(r.ViewedBy)
	if r.Assignee != nil {
		a := *r.Assignee
		c.Assignee = &a
	}
	if r.DueAt != nil {
		d := *r.DueAt
		c.DueAt = &d
	}
	if r.ActionRequests != nil {
		c.ActionRequests = make(map[string][]ActionRequest, len(r.ActionRequests))
		for stage, records := range r.ActionRequests {
			c.ActionRequests[stage] = slices.Clone(records)
		}
	}
	return &c
}

// Actor is the resolved user performing an operation.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ResponseLabel returns the display label of an action response.
func ResponseLabel(response string) string {
	switch response {
	case ActionStatusApproved:
		return "Aprovado"
	case ActionStatusRejected:
		return "Rejeitado"
	case ActionStatusAcknowledged:
		return "Ciente"
	case ActionStatusExecuted:
		return "Executado"
	case ActionStatusPending:
		return "Pendente"
	default:
		return response
	}
}
