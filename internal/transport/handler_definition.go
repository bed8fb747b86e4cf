package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/intraflow/model"
)

// DefinitionCatalog exposes the live definition set. definition.Registry
// satisfies it.
type DefinitionCatalog interface {
	All() []model.WorkflowDefinition
	GetByName(name string) (model.WorkflowDefinition, bool)
	GetByID(id string) (model.WorkflowDefinition, bool)
}

// definitionSummary is the list view of a definition. Submitters see the
// form and stages; routing and SLA rules stay server-side.
type definitionSummary struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Fields      []model.FieldDefinition  `json:"fields,omitempty"`
	Statuses    []model.StatusDefinition `json:"statuses"`
	CanSubmit   bool                     `json:"canSubmit"`
}

func summarize(def model.WorkflowDefinition, userID string) definitionSummary {
	return definitionSummary{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Fields:      def.Fields,
		Statuses:    def.Statuses,
		CanSubmit:   def.AllowsSubmitter(userID),
	}
}

func handleListDefinitions(catalog DefinitionCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		defs := catalog.All()
		out := make([]definitionSummary, 0, len(defs))
		for _, def := range defs {
			out = append(out, summarize(def, caller.SubjectID))
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleGetDefinition(catalog DefinitionCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		ref := chi.URLParam(r, "name")
		def, ok := catalog.GetByName(ref)
		if !ok {
			def, ok = catalog.GetByID(ref)
		}
		if !ok {
			WriteNotFound(w, "definition not found")
			return
		}
		WriteJSON(w, http.StatusOK, summarize(def, caller.SubjectID))
	}
}
