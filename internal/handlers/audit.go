package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/smssh/internal/audit"
)

// GetAuditLogs handles GET /api/v1/audit.
// Query parameters:
//   - event_type, instance_id, resource_name, session_id (optional): filters
//   - since, until (optional): RFC 3339 bounds
//   - limit (optional): entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	a := audit.Current()
	if a == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	v := r.URL.Query()
	opts := audit.QueryOptions{
		EventType:    v.Get("event_type"),
		InstanceID:   v.Get("instance_id"),
		ResourceName: v.Get("resource_name"),
		SessionID:    v.Get("session_id"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.name)
			return
		}
		*p.dst = &t
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Limit, opts.Offset = limit, offset

	result, err := a.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
