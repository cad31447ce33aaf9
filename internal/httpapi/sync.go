package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/internal/auth"
	"github.com/driftline/driftline/internal/syncerr"
	"github.com/driftline/driftline/internal/wire"
)

// Sync handles POST /v1/sync: the combined envelope. Push runs before pull
// so a client's own commit is visible in the pull slice of the same
// round-trip.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := auth.ActorID(ctx)

	var env wire.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		log.Warn().Err(err).Msg("malformed sync envelope")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if env.ClientID == "" {
		writeError(w, http.StatusBadRequest, "missing clientId")
		return
	}
	partitionID := env.PartitionID
	if partitionID == "" {
		partitionID = DefaultPartition
	}

	resp := wire.Response{}

	if env.Push != nil {
		if env.Push.ClientID == "" {
			env.Push.ClientID = env.ClientID
		}
		if env.Push.ClientID != env.ClientID {
			writeError(w, http.StatusBadRequest, "push clientId does not match envelope")
			return
		}
		pushResp, err := s.Store.Push(ctx, partitionID, actorID, env.Push)
		if err != nil {
			// Conflicts ride back as a normal response body when a pull is
			// also pending; a push-only envelope surfaces them as 409.
			if conflicts := syncerr.ConflictsOf(err); conflicts != nil {
				resp.Push = &wire.PushResponse{Conflicts: conflicts}
				if env.Pull == nil {
					writeJSON(w, http.StatusConflict, resp)
					return
				}
			} else {
				s.writeSyncError(w, err)
				return
			}
		} else {
			resp.Push = pushResp
		}
	}

	if env.Pull != nil {
		if env.Pull.ClientID == "" {
			env.Pull.ClientID = env.ClientID
		}
		if env.Pull.ClientID != env.ClientID {
			writeError(w, http.StatusBadRequest, "pull clientId does not match envelope")
			return
		}
		if env.Pull.PartitionID == "" {
			env.Pull.PartitionID = partitionID
		}
		pullResp, err := s.Pull.Pull(ctx, env.Pull.PartitionID, actorID, env.Pull)
		if err != nil {
			s.writeSyncError(w, err)
			return
		}
		resp.Pull = pullResp
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeSyncError maps classified errors onto the wire contract: status from
// the kind, conflicts in the body for 409.
func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	kind := syncerr.KindOf(err)
	status := kind.HTTPStatus()

	if conflicts := syncerr.ConflictsOf(err); conflicts != nil {
		writeJSON(w, status, map[string]any{"conflicts": conflicts})
		return
	}

	if status >= 500 {
		log.Error().Err(err).Str("kind", kind.String()).Msg("sync request failed")
	} else {
		log.Warn().Err(err).Str("kind", kind.String()).Msg("sync request rejected")
	}
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"code":      kind.String(),
		"retryable": kind.Retryable(),
	})
}
