package definition

import (
	"fmt"
	"slices"

	"github.com/pitabwire/intraflow/model"
)

// VError describes a single validation finding in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definition files. Errors block loading; warnings are
// reported but the definition is still served.
//
// A definition without statuses is only a warning: submitting against it
// fails with CONFIGURATION_ERROR at use time. Duplicate field ids are also a
// warning and resolve last-write-wins on submission.
func (v *Validator) Validate(files []model.DefinitionFile) (errs, warnings []VError) {
	names := make(map[string]string)

	for i, f := range files {
		for j, w := range f.Workflows {
			prefix := fmt.Sprintf("files[%d].workflows[%d]", i, j)
			if f.SourceFile != "" {
				prefix = fmt.Sprintf("%s:workflows[%d]", f.SourceFile, j)
			}

			if w.Name != "" {
				if prev, dup := names[w.Name]; dup {
					errs = append(errs, VError{
						Path:    prefix + ".name",
						Code:    "DUPLICATE_NAME",
						Message: fmt.Sprintf("workflow name %q already defined at %s", w.Name, prev),
					})
				}
				names[w.Name] = prefix
			}

			e, warn := v.validateWorkflow(prefix, w)
			errs = append(errs, e...)
			warnings = append(warnings, warn...)
		}
	}
	return errs, warnings
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition) (errs, warnings []VError) {
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.OwnerEmail == "" {
		errs = append(errs, VError{Path: prefix + ".owner_email", Code: "REQUIRED", Message: "owner_email is required"})
	}
	if len(w.Statuses) == 0 {
		warnings = append(warnings, VError{Path: prefix + ".statuses", Code: "EMPTY", Message: "no statuses defined; submissions will be rejected"})
	}

	statusIDs := make(map[string]bool, len(w.Statuses))
	for i, s := range w.Statuses {
		sp := fmt.Sprintf("%s.statuses[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "status id is required"})
			continue
		}
		if statusIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate status id %q", s.ID)})
		}
		statusIDs[s.ID] = true

		if s.Action != nil && model.ResponsesFor(s.Action.Type) == nil {
			errs = append(errs, VError{
				Path:    sp + ".action.type",
				Code:    "INVALID_VALUE",
				Message: fmt.Sprintf("action type %q must be one of approval, acknowledgement, execution", s.Action.Type),
			})
		}
	}

	fieldIDs := make(map[string]bool, len(w.Fields))
	for i, f := range w.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if f.ID == "" {
			errs = append(errs, VError{Path: fp + ".id", Code: "REQUIRED", Message: "field id is required"})
			continue
		}
		if fieldIDs[f.ID] {
			warnings = append(warnings, VError{Path: fp + ".id", Code: "DUPLICATE_FIELD", Message: fmt.Sprintf("duplicate field id %q; later value wins", f.ID)})
		}
		fieldIDs[f.ID] = true
	}

	for i, r := range w.RoutingRules {
		rp := fmt.Sprintf("%s.routing_rules[%d]", prefix, i)
		if r.Field == "" {
			errs = append(errs, VError{Path: rp + ".field", Code: "REQUIRED", Message: "routing rule field is required"})
		} else if len(w.Fields) > 0 && !fieldIDs[r.Field] {
			warnings = append(warnings, VError{Path: rp + ".field", Code: "UNKNOWN_FIELD", Message: fmt.Sprintf("field %q is not declared", r.Field)})
		}
		if len(r.Notify) == 0 {
			errs = append(errs, VError{Path: rp + ".notify", Code: "REQUIRED", Message: "routing rule needs at least one recipient"})
		}
	}

	if w.DefaultSLADays < 0 {
		errs = append(errs, VError{Path: prefix + ".default_sla_days", Code: "INVALID_VALUE", Message: "default_sla_days must not be negative"})
	}
	for i, r := range w.SLARules {
		rp := fmt.Sprintf("%s.sla_rules[%d]", prefix, i)
		if r.Field == "" {
			errs = append(errs, VError{Path: rp + ".field", Code: "REQUIRED", Message: "sla rule field is required"})
		}
		if r.Days <= 0 {
			errs = append(errs, VError{Path: rp + ".days", Code: "INVALID_VALUE", Message: "sla rule days must be positive"})
		}
	}

	if slices.Contains(w.AllowedUserIDs, "") {
		errs = append(errs, VError{Path: prefix + ".allowed_user_ids", Code: "INVALID_VALUE", Message: "allowed_user_ids must not contain empty ids"})
	}

	return errs, warnings
}
