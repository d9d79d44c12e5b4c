package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/smssh/internal/audit"
	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/registry"
)

// ListInstances handles GET /api/v1/instances.
// Query parameters:
//   - kind (optional): only registrations of this resource kind
//   - name (optional): only registrations with this resource name
//   - online (optional): "true" or "false" to filter by liveness
func ListInstances(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Registry not configured")
		return
	}

	kind := fleet.KindUnknown
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := fleet.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kind")
			return
		}
		kind = parsed
	}
	name := r.URL.Query().Get("name")
	online := strings.ToLower(r.URL.Query().Get("online"))
	if online != "" && online != "true" && online != "false" {
		writeError(w, http.StatusBadRequest, "Invalid online")
		return
	}

	snapshot, err := Registry.ListAll(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	records := make([]fleet.Record, 0, len(snapshot))
	for _, id := range registry.SortedIDs(snapshot) {
		rec := snapshot[id]
		if kind != fleet.KindUnknown && rec.Kind() != kind {
			continue
		}
		if name != "" && rec.ResourceName != name {
			continue
		}
		if online != "" && rec.Online() != (online == "true") {
			continue
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": records,
		"total":     len(records),
	})
}

// ListExpiredInstances handles GET /api/v1/instances/expired?days=N.
func ListExpiredInstances(w http.ResponseWriter, r *http.Request) {
	if Reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "Reaper not configured")
		return
	}
	days, err := queryInt(r, "days", ReaperAgeDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := Reaper.ExpiredRecords(r.Context(), days)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if records == nil {
		records = []fleet.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":      days,
		"instances": records,
		"total":     len(records),
	})
}

// DeregisterInstance handles DELETE /api/v1/instances/{id}.
func DeregisterInstance(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Registry not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !strings.HasPrefix(id, fleet.InstanceIDPrefix) {
		writeError(w, http.StatusBadRequest, "Invalid instance id")
		return
	}
	ok, err := Registry.Deregister(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadGateway, "Registry refused deregistration of "+id)
		return
	}
	audit.LogDeregistered(id, "", "api")
	w.WriteHeader(http.StatusNoContent)
}
