package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/internal/workflow"
)

const (
	// streamHeartbeat keeps idle proxies from closing the stream.
	streamHeartbeat = 25 * time.Second
	// streamRetry is the reconnect delay suggested to EventSource clients.
	streamRetry = 3 * time.Second
)

// ChangeSource feeds request changes to stream clients. workflow.Cache
// satisfies it.
type ChangeSource interface {
	Subscribe() (<-chan workflow.Change, func())
}

// handleStream writes request changes as Server-Sent Events until the client
// disconnects. The optional type query parameter narrows the feed to one
// request type.
func handleStream(source ChangeSource, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := callerOf(w, r); !ok {
			return
		}

		rc := http.NewResponseController(w)
		changes, cancel := source.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "retry: %d\n\n", streamRetry.Milliseconds())
		if err := rc.Flush(); err != nil {
			observability.LoggerFrom(r.Context(), logger).Warn("stream: flush unsupported", zap.Error(err))
			return
		}

		typeFilter := r.URL.Query().Get("type")
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if typeFilter != "" && (ch.Request == nil || ch.Request.Type != typeFilter) {
					continue
				}
				data, err := json.Marshal(ch.Request)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ch.Kind, data); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
