package definition

import (
	"testing"

	"github.com/pitabwire/intraflow/model"
)

func validWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:         "wf-compras",
		Name:       "Compra de material",
		OwnerEmail: "compras@example.com",
		Fields: []model.FieldDefinition{
			{ID: "item", Label: "Item", Type: model.FieldTypeText},
			{ID: "prioridade", Label: "Prioridade", Type: model.FieldTypeText},
		},
		Statuses: []model.StatusDefinition{
			{ID: "review", Label: "Em análise"},
			{ID: "approval", Label: "Aprovação", Action: &model.ActionSpec{Type: model.ActionTypeApproval, Label: "Aprovar"}},
		},
		RoutingRules: []model.RoutingRule{
			{Field: "prioridade", Value: "urgente", Notify: []string{"u-bruno"}},
		},
		DefaultSLADays: 3,
	}
}

func validate(w model.WorkflowDefinition) (errs, warnings []VError) {
	return NewValidator().Validate([]model.DefinitionFile{{Workflows: []model.WorkflowDefinition{w}}})
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs, warnings := validate(validWorkflow())
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestValidator_missingName(t *testing.T) {
	w := validWorkflow()
	w.Name = ""
	errs, _ := validate(w)
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("errors = %v, want REQUIRED", errs)
	}
}

func TestValidator_emptyStatusesIsWarning(t *testing.T) {
	w := validWorkflow()
	w.Statuses = nil
	errs, warnings := validate(w)
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	if !hasCode(warnings, "EMPTY") {
		t.Errorf("warnings = %v, want EMPTY", warnings)
	}
}

func TestValidator_duplicateStatus(t *testing.T) {
	w := validWorkflow()
	w.Statuses = append(w.Statuses, model.StatusDefinition{ID: "review"})
	errs, _ := validate(w)
	if !hasCode(errs, "DUPLICATE_ID") {
		t.Errorf("errors = %v, want DUPLICATE_ID", errs)
	}
}

func TestValidator_duplicateFieldIsWarning(t *testing.T) {
	w := validWorkflow()
	w.Fields = append(w.Fields, model.FieldDefinition{ID: "item", Label: "Item (de novo)"})
	errs, warnings := validate(w)
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	if !hasCode(warnings, "DUPLICATE_FIELD") {
		t.Errorf("warnings = %v, want DUPLICATE_FIELD", warnings)
	}
}

func TestValidator_invalidActionType(t *testing.T) {
	w := validWorkflow()
	w.Statuses[1].Action.Type = "signature"
	errs, _ := validate(w)
	if !hasCode(errs, "INVALID_VALUE") {
		t.Errorf("errors = %v, want INVALID_VALUE", errs)
	}
}

func TestValidator_routingRuleUnknownField(t *testing.T) {
	w := validWorkflow()
	w.RoutingRules[0].Field = "centro_custo"
	_, warnings := validate(w)
	if !hasCode(warnings, "UNKNOWN_FIELD") {
		t.Errorf("warnings = %v, want UNKNOWN_FIELD", warnings)
	}
}

func TestValidator_slaRules(t *testing.T) {
	w := validWorkflow()
	w.DefaultSLADays = -1
	w.SLARules = []model.SLARule{{Field: "prioridade", Value: "urgente", Days: 0}}
	errs, _ := validate(w)
	if len(errs) != 2 {
		t.Errorf("errors = %v, want 2", errs)
	}
}

func TestValidator_duplicateNameAcrossFiles(t *testing.T) {
	files := []model.DefinitionFile{
		{SourceFile: "a.yaml", Workflows: []model.WorkflowDefinition{validWorkflow()}},
		{SourceFile: "b.yaml", Workflows: []model.WorkflowDefinition{validWorkflow()}},
	}
	errs, _ := NewValidator().Validate(files)
	if !hasCode(errs, "DUPLICATE_NAME") {
		t.Errorf("errors = %v, want DUPLICATE_NAME", errs)
	}
}
