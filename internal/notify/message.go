// Package notify turns request events into user notifications and delivers
// them through one or more channels. Delivery is best effort: failures are
// logged and counted but never reach the caller.
package notify

import (
	"context"
	"time"
)

// Message kinds.
const (
	KindSubmitted       = "request.submitted"
	KindNewRequest      = "request.new"
	KindRouted          = "request.routed"
	KindStatusChanged   = "request.status_changed"
	KindAssigned        = "request.assigned"
	KindAssignedToYou   = "request.assigned_to_you"
	KindCommented       = "request.commented"
	KindActionRequested = "action.requested"
	KindActionResolved  = "action.resolved"
	KindOverdue         = "request.overdue"
)

// Recipient is a resolved notification target. UserID is empty when the
// target is a bare email address outside the directory.
type Recipient struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (r Recipient) key() string {
	if r.UserID != "" {
		return "id:" + r.UserID
	}
	return "email:" + r.Email
}

// Message is one notification for a set of recipients.
type Message struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Recipients []Recipient `json:"recipients"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	RequestID  string      `json:"requestId"`
	DisplayID  string      `json:"displayId"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Messenger delivers messages over one channel.
type Messenger interface {
	// Name identifies the channel in logs and metrics.
	Name() string
	Send(ctx context.Context, msg Message) error
}
