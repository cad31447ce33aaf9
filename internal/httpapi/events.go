package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/realtime"
)

// pingInterval keeps idle SSE connections alive through proxies.
const pingInterval = 25 * time.Second

// Events handles GET /v1/sync/events: a Server-Sent Events feed of commit
// notifications. The feed is advisory; a client that misses events still
// converges through pull. A client may pass its own instance id as
// ?instanceId= to suppress echoes of commits it produced itself.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	instanceID := r.URL.Query().Get("instanceId")
	partitionID := r.URL.Query().Get("partitionId")
	if partitionID == "" {
		partitionID = DefaultPartition
	}

	events, cancel := s.Broadcaster.Subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()

		case ev, open := <-events:
			if !open {
				return
			}
			if ev.PartitionID != "" && ev.PartitionID != partitionID {
				continue
			}
			if realtime.Suppress(ev, instanceID) {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode sse event")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: commit\ndata: %s\n\n", ev.CommitSeq, payload)
			flusher.Flush()
		}
	}
}
