package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action types a stage may require.
const (
	ActionTypeApproval        = "approval"
	ActionTypeAcknowledgement = "acknowledgement"
	ActionTypeExecution       = "execution"
)

// Field types understood by the submission path. Anything else is stored as-is.
const (
	FieldTypeText = "text"
	FieldTypeFile = "file"
)

// DefinitionFile is the root structure of a definition YAML file. A file may
// declare any number of workflow definitions.
type DefinitionFile struct {
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is the administrator-authored template a request is
// created from. Requests reference it by Name, not by ID.
type WorkflowDefinition struct {
	ID             string              `yaml:"id"               json:"id"`
	Name           string              `yaml:"name"             json:"name"`
	Description    string              `yaml:"description"      json:"description,omitempty"`
	OwnerEmail     string              `yaml:"owner_email"      json:"ownerEmail"`
	Fields         []FieldDefinition   `yaml:"fields"           json:"fields,omitempty"`
	Statuses       []StatusDefinition  `yaml:"statuses"         json:"statuses"`
	RoutingRules   []RoutingRule       `yaml:"routing_rules"    json:"routingRules,omitempty"`
	AllowedUserIDs []string            `yaml:"allowed_user_ids" json:"allowedUserIds,omitempty"`
	DefaultSLADays int                 `yaml:"default_sla_days" json:"defaultSlaDays,omitempty"`
	SLARules       []SLARule           `yaml:"sla_rules"        json:"slaRules,omitempty"`
}

// FieldDefinition describes one form field shown at submission time.
type FieldDefinition struct {
	ID       string `yaml:"id"       json:"id"`
	Label    string `yaml:"label"    json:"label"`
	Type     string `yaml:"type"     json:"type"`
	Required bool   `yaml:"required" json:"required,omitempty"`
}

// StatusDefinition is one stage in the ordered stage list.
type StatusDefinition struct {
	ID     string      `yaml:"id"     json:"id"`
	Label  string      `yaml:"label"  json:"label"`
	Action *ActionSpec `yaml:"action" json:"action,omitempty"`
}

// ActionSpec is the optional per-stage sub-task that specific users resolve.
type ActionSpec struct {
	Type               string   `yaml:"type"                json:"type"`
	Label              string   `yaml:"label"               json:"label"`
	ApproverIDs        []string `yaml:"approver_ids"        json:"approverIds,omitempty"`
	CommentRequired    bool     `yaml:"comment_required"    json:"commentRequired,omitempty"`
	AttachmentRequired bool     `yaml:"attachment_required" json:"attachmentRequired,omitempty"`
}

// RoutingRule notifies extra recipients when a form field matches a value.
// Notify entries are collaborator ids or email addresses.
type RoutingRule struct {
	Field  string   `yaml:"field"  json:"field"`
	Value  string   `yaml:"value"  json:"value"`
	Notify []string `yaml:"notify" json:"notify"`
}

// SLARule overrides the default SLA when a form field matches a value.
type SLARule struct {
	Field string `yaml:"field" json:"field"`
	Value string `yaml:"value" json:"value"`
	Days  int    `yaml:"days"  json:"days"`
}

// InitialStatus returns the first stage id, or "" when no stages exist.
func (d WorkflowDefinition) InitialStatus() string {
	if len(d.Statuses) == 0 {
		return ""
	}
	return d.Statuses[0].ID
}

// StatusIndex returns the position of a stage id, or -1.
func (d WorkflowDefinition) StatusIndex(id string) int {
	for i, s := range d.Statuses {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Status returns the stage with the given id.
func (d WorkflowDefinition) Status(id string) (StatusDefinition, bool) {
	if i := d.StatusIndex(id); i >= 0 {
		return d.Statuses[i], true
	}
	return StatusDefinition{}, false
}

// Successor returns the stage immediately after id. Terminality is
// positional: the last stage has no successor.
func (d WorkflowDefinition) Successor(id string) (StatusDefinition, bool) {
	i := d.StatusIndex(id)
	if i < 0 || i+1 >= len(d.Statuses) {
		return StatusDefinition{}, false
	}
	return d.Statuses[i+1], true
}

// IsTerminal reports whether id names the last stage.
func (d WorkflowDefinition) IsTerminal(id string) bool {
	i := d.StatusIndex(id)
	return i >= 0 && i == len(d.Statuses)-1
}

// AllowsSubmitter reports whether userID may submit. An empty allow-list
// admits everyone.
func (d WorkflowDefinition) AllowsSubmitter(userID string) bool {
	if len(d.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range d.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// StatusLabel returns the label of a stage, falling back to its id.
func (d WorkflowDefinition) StatusLabel(id string) string {
	if s, ok := d.Status(id); ok && s.Label != "" {
		return s.Label
	}
	return id
}

// ResponsesFor returns the responses accepted by an action type.
func ResponsesFor(actionType string) []string {
	switch actionType {
	case ActionTypeApproval:
		return []string{ActionStatusApproved, ActionStatusRejected}
	case ActionTypeAcknowledgement:
		return []string{ActionStatusAcknowledged}
	case ActionTypeExecution:
		return []string{ActionStatusExecuted}
	default:
		return nil
	}
}

// MatchesValue compares a form value against a rule value case-insensitively.
// Booleans and numbers match their textual form, so a checkbox submitted as
// true matches a rule value of "true". Lists, objects and nil never match.
func MatchesValue(formValue any, ruleValue string) bool {
	s, ok := scalarText(formValue)
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(ruleValue))
}

func scalarText(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}
