package transport

import (
	"net/http"

	"github.com/pitabwire/intraflow/internal/notify"
)

// TaskIndex answers whether a user has open work. workflow.Cache satisfies
// it.
type TaskIndex interface {
	HasNewAssignedTasks(userID string) bool
}

// Inbox lists a user's in-app notifications. notify.InAppMessenger
// satisfies it.
type Inbox interface {
	Inbox(userID string, limit int) []notify.Message
}

func handleMyTasks(tasks TaskIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{
			"hasNewAssignedTasks": tasks.HasNewAssignedTasks(caller.SubjectID),
		})
	}
}

func handleNotifications(inbox Inbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		messages := inbox.Inbox(caller.SubjectID, queryInt(r, "limit", 20))
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":  messages,
			"count": len(messages),
		})
	}
}
